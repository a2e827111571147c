package rest

import (
	"github.com/xilinx/xroe-ecpri/pkg/engine"
	"github.com/xilinx/xroe-ecpri/pkg/meta"
)

const (
	DirectionToRemote   = "to_remote"
	DirectionFromRemote = "from_remote"
)

type RMAReadInput struct {
	Peer    string `json:"peer"`
	Address uint64 `json:"address"`
	Length  uint16 `json:"length"`
}

type RMAWriteInput struct {
	Peer       string `json:"peer"`
	Address    uint64 `json:"address"`
	Data       []byte `json:"data"`
	NoResponse bool   `json:"noResponse"`
}

type RMAOutput struct {
	Peer      string `json:"peer"`
	ElementID uint16 `json:"elementID"`
	Address   uint64 `json:"address"`
	Length    uint16 `json:"length"`
	Data      []byte `json:"data,omitempty"`
}

type OWDMInput struct {
	Peer      string `json:"peer"`
	Direction string `json:"direction"`
}

type OWDMLimitInput struct {
	Limit int64 `json:"limit"`
}

type OWDMResult struct {
	Peer           string `json:"peer"`
	Direction      string `json:"direction"`
	ResponseNumber int    `json:"responseNumber"`
	DelaySec       uint64 `json:"delaySec"`
	DelayNsec      uint32 `json:"delayNsec"`
}

type OWDMOutput struct {
	Requests    int        `json:"requests"`
	Pending     bool       `json:"pending"`
	ReportLimit int64      `json:"reportLimit"`
	Result      OWDMResult `json:"result"`
}

// ResultDirection maps a requested direction to the direction its result is
// reported with.
func ResultDirection(direction string) string {
	if direction == DirectionFromRemote {
		return engine.DirectionFromRemote.String()
	}
	return engine.DirectionToRemote.String()
}

// Resolved reports whether the last request has been answered.
func (o *OWDMOutput) Resolved() bool {
	return o.Result.ResponseNumber == o.Requests
}

type PeerInput struct {
	Peer string `json:"peer"`
}

type TestMessageOutput struct {
	Sequence int32 `json:"sequence"`
	Bytes    int   `json:"bytes"`
}

type ResetOutput struct {
	ID uint16 `json:"id"`
}

type StatusOutput struct {
	ID        string             `json:"id"`
	LocalAddr string             `json:"localAddr"`
	Soft      bool               `json:"soft"`
	Uptime    string             `json:"uptime"`
	Sequence  int32              `json:"sequence"`
	OWDM      OWDMOutput         `json:"owdm"`
	Version   meta.VersionOutput `json:"version"`
}

type ErrorOutput struct {
	Error     string `json:"error"`
	RequestID string `json:"requestID,omitempty"`
}

func NewOWDMOutput(status engine.OWDMStatus) OWDMOutput {
	r := status.Result
	out := OWDMOutput{
		Requests:    status.Requests,
		Pending:     status.Pending,
		ReportLimit: status.ReportLimit,
		Result: OWDMResult{
			Direction:      r.Direction.String(),
			ResponseNumber: r.ResponseNumber,
			DelaySec:       r.Delay.Sec,
			DelayNsec:      r.Delay.Nsec,
		},
	}
	if r.Peer.IsValid() {
		out.Result.Peer = r.Peer.String()
	}
	return out
}

func NewRMAOutput(peer string, resp *engine.RMAResponse) *RMAOutput {
	return &RMAOutput{
		Peer:      peer,
		ElementID: resp.ElementID,
		Address:   resp.Address,
		Length:    resp.Length,
		Data:      resp.Data,
	}
}

package rest

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"

	"github.com/xilinx/xroe-ecpri/pkg/ecpri"
	"github.com/xilinx/xroe-ecpri/pkg/engine"
	"github.com/xilinx/xroe-ecpri/pkg/meta"
	"github.com/xilinx/xroe-ecpri/pkg/metrics"
	"github.com/xilinx/xroe-ecpri/pkg/util"
)

type Server struct {
	e       *engine.Engine
	metrics *metrics.Metrics

	id          string
	soft        bool
	started     time.Time
	defaultPort uint16
}

func NewServer(e *engine.Engine, m *metrics.Metrics, soft bool, defaultPort uint16) *Server {
	return &Server{
		e:           e,
		metrics:     m,
		id:          util.RandomID(),
		soft:        soft,
		started:     time.Now(),
		defaultPort: defaultPort,
	}
}

func (s *Server) peer(input string) (netip.AddrPort, error) {
	peer, err := util.ParsePeer(input, s.defaultPort)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(ErrBadRequest, err.Error())
	}
	return peer, nil
}

func (s *Server) Ping(rw http.ResponseWriter, req *http.Request) error {
	_, err := rw.Write([]byte("pong"))
	return err
}

func (s *Server) GetStatus(rw http.ResponseWriter, req *http.Request) error {
	return writeJSON(rw, &StatusOutput{
		ID:        s.id,
		LocalAddr: s.e.Transport().LocalAddr().String(),
		Soft:      s.soft,
		Uptime:    units.HumanDuration(time.Since(s.started)),
		Sequence:  s.e.Sequence(),
		OWDM:      NewOWDMOutput(s.e.OWDMStatus()),
		Version:   meta.GetVersion(),
	})
}

func (s *Server) GetVersion(rw http.ResponseWriter, req *http.Request) error {
	v := meta.GetVersion()
	return writeJSON(rw, &v)
}

func (s *Server) RMARead(rw http.ResponseWriter, req *http.Request) error {
	var input RMAReadInput
	if err := readJSON(req, &input); err != nil {
		return err
	}
	peer, err := s.peer(input.Peer)
	if err != nil {
		return err
	}

	ctx := req.Context()
	rma, _, err := s.e.SendRMARequest(ctx, ecpri.RMARead, peer, input.Address, input.Length, nil)
	if err != nil {
		return err
	}
	resp, err := s.e.AwaitRMAResponse(ctx, rma)
	if err != nil {
		return err
	}
	return writeJSON(rw, NewRMAOutput(peer.String(), resp))
}

func (s *Server) RMAWrite(rw http.ResponseWriter, req *http.Request) error {
	var input RMAWriteInput
	if err := readJSON(req, &input); err != nil {
		return err
	}
	peer, err := s.peer(input.Peer)
	if err != nil {
		return err
	}
	if len(input.Data) > 0xffff {
		return errors.Wrapf(ErrBadRequest, "write of %d bytes exceeds the RMA length field", len(input.Data))
	}

	op := ecpri.RMAWrite
	if input.NoResponse {
		op = ecpri.RMAWriteNoResponse
	}
	ctx := req.Context()
	rma, _, err := s.e.SendRMARequest(ctx, op, peer, input.Address, uint16(len(input.Data)), input.Data)
	if err != nil {
		return err
	}
	if input.NoResponse {
		return writeJSON(rw, &RMAOutput{
			Peer:    peer.String(),
			Address: input.Address,
			Length:  uint16(len(input.Data)),
		})
	}
	resp, err := s.e.AwaitRMAResponse(ctx, rma)
	if err != nil {
		return err
	}
	return writeJSON(rw, NewRMAOutput(peer.String(), resp))
}

func (s *Server) GetOWDM(rw http.ResponseWriter, req *http.Request) error {
	out := NewOWDMOutput(s.e.OWDMStatus())
	return writeJSON(rw, &out)
}

func (s *Server) RequestOWDM(rw http.ResponseWriter, req *http.Request) error {
	var input OWDMInput
	if err := readJSON(req, &input); err != nil {
		return err
	}
	peer, err := s.peer(input.Peer)
	if err != nil {
		return err
	}

	var action ecpri.OWDMAction
	switch input.Direction {
	case DirectionToRemote, "":
		action = ecpri.OWDMActionRequestFollowUp
	case DirectionFromRemote:
		action = ecpri.OWDMActionRemoteRequestFollowUp
	default:
		return errors.Wrapf(ErrBadRequest, "unknown OWDM direction %q", input.Direction)
	}

	if _, err := s.e.SendOWDMRequest(req.Context(), action, peer); err != nil {
		return err
	}
	return s.GetOWDM(rw, req)
}

func (s *Server) SetOWDMLimit(rw http.ResponseWriter, req *http.Request) error {
	var input OWDMLimitInput
	if err := readJSON(req, &input); err != nil {
		return err
	}
	if err := s.e.SetReportLimit(input.Limit); err != nil {
		return err
	}
	return s.GetOWDM(rw, req)
}

func (s *Server) SendTestMessage(rw http.ResponseWriter, req *http.Request) error {
	var input PeerInput
	if err := readJSON(req, &input); err != nil {
		return err
	}
	peer, err := s.peer(input.Peer)
	if err != nil {
		return err
	}

	seq := s.e.Sequence()
	n, err := s.e.SendTestMessage(req.Context(), peer)
	if err != nil {
		return err
	}
	return writeJSON(rw, &TestMessageOutput{
		Sequence: seq,
		Bytes:    n,
	})
}

func (s *Server) RemoteReset(rw http.ResponseWriter, req *http.Request) error {
	var input PeerInput
	if err := readJSON(req, &input); err != nil {
		return err
	}
	peer, err := s.peer(input.Peer)
	if err != nil {
		return err
	}

	ctx := req.Context()
	id, err := s.e.SendResetRequest(ctx, peer)
	if err != nil {
		return err
	}
	if err := s.e.AwaitResetResponse(ctx, peer, id); err != nil {
		return err
	}
	return writeJSON(rw, &ResetOutput{ID: id})
}

package ecpri

import (
	"fmt"
	"time"
)

type MessageType uint8

const (
	MessageTypeIQData MessageType = iota
	MessageTypeBitSequence
	MessageTypeRTCData
	MessageTypeGenericData
	MessageTypeRemoteMemoryAccess
	MessageTypeOneWayDelayMeasurement
	MessageTypeRemoteReset
	MessageTypeEvent
)

const (
	// MagicByte is the protocol revision/continuation byte every deployed peer sends.
	MagicByte = uint8(0x10)

	HeaderSize        = 4
	RMAHeaderSize     = 12
	OWDMMessageSize   = 20
	ResetMessageSize  = 4
	GenericHeaderSize = 12

	// MaxAddress is the largest address representable in the 48-bit RMA address field.
	MaxAddress = uint64(1)<<48 - 1
	// MaxSeconds is the largest value of a 48-bit timestamp seconds field.
	MaxSeconds = uint64(1)<<48 - 1

	// MaxUDPPayload is the largest datagram payload over IPv4.
	MaxUDPPayload = 65507
	// MaxRMAReadLength is the longest read whose response fits one datagram.
	MaxRMAReadLength = MaxUDPPayload - HeaderSize - RMAHeaderSize

	NanosecondsPerSecond = 1000000000
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeIQData:
		return "iq-data"
	case MessageTypeBitSequence:
		return "bit-sequence"
	case MessageTypeRTCData:
		return "rtc-data"
	case MessageTypeGenericData:
		return "generic-data"
	case MessageTypeRemoteMemoryAccess:
		return "remote-memory-access"
	case MessageTypeOneWayDelayMeasurement:
		return "one-way-delay-measurement"
	case MessageTypeRemoteReset:
		return "remote-reset"
	case MessageTypeEvent:
		return "event"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// RMA read/write nibble (high) and request/response nibble (low).
const (
	RMARead            = uint8(0x00)
	RMAWrite           = uint8(0x10)
	RMAWriteNoResponse = uint8(0x20)

	RMARequest  = uint8(0x0)
	RMAResponse = uint8(0x1)
	RMAFail     = uint8(0x2)

	rmaOpMask   = uint8(0xf0)
	rmaKindMask = uint8(0x0f)
)

type OWDMAction uint8

const (
	OWDMActionRequest OWDMAction = iota
	OWDMActionRequestFollowUp
	OWDMActionResponse
	OWDMActionRemoteRequest
	OWDMActionRemoteRequestFollowUp
	OWDMActionFollowUp
)

func (a OWDMAction) String() string {
	switch a {
	case OWDMActionRequest:
		return "request"
	case OWDMActionRequestFollowUp:
		return "request-followup"
	case OWDMActionResponse:
		return "response"
	case OWDMActionRemoteRequest:
		return "remote-request"
	case OWDMActionRemoteRequestFollowUp:
		return "remote-request-followup"
	case OWDMActionFollowUp:
		return "followup"
	}
	return fmt.Sprintf("unknown(%d)", uint8(a))
}

type ResetCodeOp uint8

const (
	ResetCodeOpRequest  ResetCodeOp = 0x1
	ResetCodeOpResponse ResetCodeOp = 0x2
)

// Header is the eCPRI envelope prepended to every payload.
type Header struct {
	Magic  uint8
	Type   MessageType
	Length uint16
}

// Timestamp is a 48-bit seconds / 32-bit nanoseconds pair as carried by OWDM.
type Timestamp struct {
	Sec  uint64
	Nsec uint32
}

func (t Timestamp) IsZero() bool {
	return t.Sec == 0 && t.Nsec == 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%09d", t.Sec, t.Nsec)
}

// NewTimestamp converts a wall-clock time, truncating seconds to 48 bits.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{
		Sec:  uint64(t.Unix()) & MaxSeconds,
		Nsec: uint32(t.Nanosecond()),
	}
}

// Add returns t shifted by d, normalised so that Nsec stays below one second.
func (t Timestamp) Add(d time.Duration) Timestamp {
	total := int64(t.Nsec) + int64(d)
	sec := int64(t.Sec) + total/NanosecondsPerSecond
	nsec := total % NanosecondsPerSecond
	if nsec < 0 {
		nsec += NanosecondsPerSecond
		sec--
	}
	return Timestamp{
		Sec:  uint64(sec) & MaxSeconds,
		Nsec: uint32(nsec),
	}
}

// RMAMessage is a remote memory access request or response. Data holds the
// write payload of a request or the read payload of a response.
type RMAMessage struct {
	ID        uint8
	Flags     uint8
	ElementID uint16
	Address   uint64
	Length    uint16
	Data      []byte
}

// Op returns the read/write nibble of the flags.
func (m *RMAMessage) Op() uint8 {
	return m.Flags & rmaOpMask
}

// Kind returns the request/response/fail nibble of the flags.
func (m *RMAMessage) Kind() uint8 {
	return m.Flags & rmaKindMask
}

type OWDMMessage struct {
	ID           uint8
	Action       OWDMAction
	Timestamp    Timestamp
	Compensation [8]byte
}

type ResetMessage struct {
	ID     uint16
	CodeOp ResetCodeOp
}

// GenericMessage is the test payload carried by generic data messages.
type GenericMessage struct {
	PCID      int32
	RequestID int32
	Sequence  int32
}

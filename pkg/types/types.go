package types

import (
	"context"
	"net/netip"

	"github.com/xilinx/xroe-ecpri/pkg/ecpri"
)

// Event is the readiness reported for the protocol socket.
type Event int

const (
	EventNone Event = iota
	EventDataReady
	EventError
)

func (e Event) String() string {
	switch e {
	case EventDataReady:
		return "data-ready"
	case EventError:
		return "error"
	}
	return "none"
}

// Datagram is one decoded eCPRI message plus the kernel timestamp it arrived
// with, if any.
type Datagram struct {
	Type         ecpri.MessageType
	Payload      []byte
	Source       netip.AddrPort
	Timestamp    ecpri.Timestamp
	HasTimestamp bool
}

type Transport interface {
	Send(t ecpri.MessageType, payload []byte, dest netip.AddrPort) (int, error)
	Receive() (*Datagram, error)
	DrainTimestamp(ctx context.Context, errQueue bool) (ecpri.Timestamp, error)
	Wait(ctx context.Context) (Event, error)
	LocalAddr() netip.AddrPort
	Close() error
}

// RegisterAccessor reads and writes the framer address space.
type RegisterAccessor interface {
	Read(addr uint32, buf []byte) error
	Write(addr uint32, data []byte) error
	ReadRegister(addr uint32, mask uint32, shift uint) (uint32, error)
	WriteRegister(addr uint32, value uint32, mask uint32, shift uint) error
}

// Trigger fires the external capture trigger used when a delay exceeds the
// report threshold.
type Trigger interface {
	Fire() error
}

type Clock interface {
	Now() ecpri.Timestamp
}

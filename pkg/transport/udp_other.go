//go:build !linux

package transport

import (
	"context"
	"net/netip"

	"github.com/cockroachdb/errors"

	"github.com/xilinx/xroe-ecpri/pkg/ecpri"
	"github.com/xilinx/xroe-ecpri/pkg/types"
)

var errUnsupportedPlatform = errors.New("UDP eCPRI transport requires Linux socket timestamping")

type UDPTransport struct{}

func NewUDPTransport(port int) (*UDPTransport, error) {
	return nil, errUnsupportedPlatform
}

func (t *UDPTransport) EnableTimestamping(ifname string) error {
	return errUnsupportedPlatform
}

func (t *UDPTransport) Send(msgType ecpri.MessageType, payload []byte, dest netip.AddrPort) (int, error) {
	return 0, errUnsupportedPlatform
}

func (t *UDPTransport) Receive() (*types.Datagram, error) {
	return nil, errUnsupportedPlatform
}

func (t *UDPTransport) DrainTimestamp(ctx context.Context, errQueue bool) (ecpri.Timestamp, error) {
	return ecpri.Timestamp{}, errUnsupportedPlatform
}

func (t *UDPTransport) Wait(ctx context.Context) (types.Event, error) {
	return types.EventNone, errUnsupportedPlatform
}

func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return netip.AddrPort{}
}

func (t *UDPTransport) Close() error {
	return nil
}

//go:build linux

package transport

import (
	"context"
	"net/netip"
	"sync"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/xilinx/xroe-ecpri/pkg/ecpri"
	"github.com/xilinx/xroe-ecpri/pkg/types"
)

const (
	pollSlice = 10 * time.Millisecond
	waitSlice = 100 * time.Millisecond

	sizeofSockExtendedErr = 16

	timestampingFlags = unix.SOF_TIMESTAMPING_TX_HARDWARE |
		unix.SOF_TIMESTAMPING_TX_SOFTWARE |
		unix.SOF_TIMESTAMPING_RX_HARDWARE |
		unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE |
		unix.SOF_TIMESTAMPING_OPT_TX_SWHW |
		unix.SOF_TIMESTAMPING_OPT_ID |
		unix.SOF_TIMESTAMPING_OPT_TSONLY |
		unix.SOF_TIMESTAMPING_OPT_CMSG
)

var (
	sizeofTimespec     = int(unsafe.Sizeof(unix.Timespec{}))
	sizeofTimestamping = 3 * sizeofTimespec
)

// UDPTransport owns the eCPRI UDP socket. Receive buffers are shared, so
// Receive and DrainTimestamp serialise on lock.
type UDPTransport struct {
	fd   int
	addr netip.AddrPort

	lock sync.Mutex
	buf  []byte
	oob  []byte
}

func NewUDPTransport(port int) (*UDPTransport, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to create UDP eCPRI socket"), ErrSocketIO)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Mark(errors.Wrap(err, "failed to set SO_REUSEADDR"), ErrSocketIO)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return nil, errors.Mark(errors.Wrapf(err, "failed to bind UDP socket to port %d", port), ErrSocketIO)
	}

	addr := netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(port))
	if sa, err := unix.Getsockname(fd); err == nil {
		if sa4, ok := sa.(*unix.SockaddrInet4); ok {
			addr = netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port))
		}
	}

	return &UDPTransport{
		fd:   fd,
		addr: addr,
		buf:  make([]byte, maxDatagramSize),
		oob:  make([]byte, controlBufferSize),
	}, nil
}

// EnableTimestamping turns on software and hardware TX/RX timestamps for the
// socket, and hardware timestamping on ifname when one is given.
func (t *UDPTransport) EnableTimestamping(ifname string) error {
	if err := unix.SetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, timestampingFlags); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to set SO_TIMESTAMPING"), ErrSocketIO)
	}
	if ifname == "" {
		return nil
	}

	cfg := &unix.HwTstampConfig{
		Tx_type:   unix.HWTSTAMP_TX_ON,
		Rx_filter: unix.HWTSTAMP_FILTER_ALL,
	}
	if err := unix.IoctlSetHwTstamp(t.fd, ifname, cfg); err != nil {
		if errors.Is(err, unix.ERANGE) {
			return errors.Wrapf(err, "timestamping mode not supported by the hardware of %v", ifname)
		}
		return errors.Wrapf(err, "SIOCSHWTSTAMP failed on %v", ifname)
	}
	logrus.WithFields(logrus.Fields{
		"interface": ifname,
		"txType":    cfg.Tx_type,
		"rxFilter":  cfg.Rx_filter,
	}).Info("Enabled hardware timestamping")
	return nil
}

func (t *UDPTransport) Send(msgType ecpri.MessageType, payload []byte, dest netip.AddrPort) (int, error) {
	addr := dest.Addr().Unmap()
	if !addr.Is4() {
		return 0, errors.Newf("destination %v is not an IPv4 address", dest)
	}
	raw := ecpri.EncodeEnvelope(payload, msgType)
	sa := &unix.SockaddrInet4{Port: int(dest.Port()), Addr: addr.As4()}
	if err := unix.Sendto(t.fd, raw, 0, sa); err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "failed to send %v to %v", msgType, dest), ErrSocketIO)
	}
	return len(raw), nil
}

func (t *UDPTransport) Receive() (*types.Datagram, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	n, oobn, _, from, err := unix.Recvmsg(t.fd, t.buf, t.oob, unix.MSG_DONTWAIT)
	if err != nil {
		if isTemporary(err) {
			return nil, ErrWouldBlock
		}
		return nil, errors.Mark(errors.Wrap(err, "recvmsg failed"), ErrSocketIO)
	}

	ts, hasTimestamp, err := parseControl(t.oob[:oobn])
	if err != nil {
		return nil, err
	}

	msgType, payload, err := ecpri.DecodeEnvelope(t.buf[:n])
	if err != nil {
		return nil, err
	}
	return &types.Datagram{
		Type:         msgType,
		Payload:      append([]byte(nil), payload...),
		Source:       sockaddrToAddrPort(from),
		Timestamp:    ts,
		HasTimestamp: hasTimestamp,
	}, nil
}

// DrainTimestamp reads one message, from the error queue when errQueue is set,
// and returns the timestamp it carried. It waits until ctx expires.
func (t *UDPTransport) DrainTimestamp(ctx context.Context, errQueue bool) (ecpri.Timestamp, error) {
	flags := unix.MSG_DONTWAIT
	events := int16(unix.POLLIN)
	if errQueue {
		flags |= unix.MSG_ERRQUEUE
		// POLLERR is always reported, nothing to ask for.
		events = 0
	}

	for {
		t.lock.Lock()
		_, oobn, _, _, err := unix.Recvmsg(t.fd, t.buf, t.oob, flags)
		if err == nil {
			ts, ok, err := parseControl(t.oob[:oobn])
			t.lock.Unlock()
			if err != nil {
				return ecpri.Timestamp{}, err
			}
			if !ok {
				return ecpri.Timestamp{}, ErrNoTimestamp
			}
			return ts, nil
		}
		t.lock.Unlock()

		if !isTemporary(err) {
			return ecpri.Timestamp{}, errors.Mark(errors.Wrap(err, "recvmsg failed"), ErrSocketIO)
		}
		if _, err := t.poll(ctx, events, pollSlice); err != nil {
			return ecpri.Timestamp{}, err
		}
	}
}

func (t *UDPTransport) Wait(ctx context.Context) (types.Event, error) {
	revents, err := t.poll(ctx, unix.POLLIN, waitSlice)
	if err != nil {
		return types.EventNone, err
	}
	switch {
	case revents&unix.POLLIN != 0:
		return types.EventDataReady, nil
	case revents&unix.POLLERR != 0:
		return types.EventError, nil
	}
	return types.EventNone, nil
}

// poll blocks in slices of at most slice until the socket reports an event or
// ctx is done.
func (t *UDPTransport) poll(ctx context.Context, events int16, slice time.Duration) (int16, error) {
	for {
		if ctx.Err() != nil {
			return 0, contextError(ctx, "socket readiness")
		}
		timeout := slice
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}
		ms := int(timeout / time.Millisecond)
		if ms < 1 {
			ms = 1
		}

		fds := []unix.PollFd{{Fd: int32(t.fd), Events: events}}
		n, err := unix.Poll(fds, ms)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, errors.Mark(errors.Wrap(err, "poll failed"), ErrSocketIO)
		}
		if n > 0 {
			return fds[0].Revents, nil
		}
	}
}

func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.addr
}

func (t *UDPTransport) Close() error {
	return unix.Close(t.fd)
}

func isTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// parseControl walks the ancillary data of one recvmsg. The raw hardware
// stamp is the third timespec of SO_TIMESTAMPING; the software one is used
// when the NIC did not fill it in.
func parseControl(oob []byte) (ecpri.Timestamp, bool, error) {
	var (
		ts  ecpri.Timestamp
		has bool
	)
	if len(oob) == 0 {
		return ts, false, nil
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return ts, false, errors.Mark(errors.Wrap(err, "failed to parse control messages"), ErrShortControlMessage)
	}
	for _, m := range msgs {
		switch {
		case m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SO_TIMESTAMPING:
			if len(m.Data) < sizeofTimestamping {
				return ts, false, errors.Wrap(ErrShortControlMessage, "short SO_TIMESTAMPING message")
			}
			stamps := (*[3]unix.Timespec)(unsafe.Pointer(&m.Data[0]))
			hw := timespecToTimestamp(stamps[2])
			if hw.IsZero() {
				hw = timespecToTimestamp(stamps[0])
			}
			ts, has = hw, true
		case m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SO_TIMESTAMPNS:
			if len(m.Data) < sizeofTimespec {
				return ts, false, errors.Wrap(ErrShortControlMessage, "short SO_TIMESTAMPNS message")
			}
			if !has {
				ts, has = timespecToTimestamp(*(*unix.Timespec)(unsafe.Pointer(&m.Data[0]))), true
			}
		case m.Header.Level == unix.SOL_IP && m.Header.Type == unix.IP_RECVERR:
			if len(m.Data) < sizeofSockExtendedErr {
				return ts, false, errors.Wrap(ErrShortControlMessage, "short IP_RECVERR message")
			}
		}
	}
	return ts, has, nil
}

func timespecToTimestamp(ts unix.Timespec) ecpri.Timestamp {
	sec, nsec := ts.Unix()
	return ecpri.Timestamp{
		Sec:  uint64(sec) & ecpri.MaxSeconds,
		Nsec: uint32(nsec),
	}
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

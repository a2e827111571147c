package transport

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xilinx/xroe-ecpri/pkg/ecpri"
	"github.com/xilinx/xroe-ecpri/pkg/types"
)

// MemoryNetwork connects MemoryTransports in-process. Every send is stamped
// with the network clock on transmit and with transmit+Latency on receive, the
// way a NIC with a synchronised hardware clock would.
type MemoryNetwork struct {
	Latency time.Duration

	clock types.Clock
	lock  sync.Mutex
	nodes map[netip.AddrPort]*MemoryTransport
}

func NewMemoryNetwork(clock types.Clock, latency time.Duration) *MemoryNetwork {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemoryNetwork{
		Latency: latency,
		clock:   clock,
		nodes:   map[netip.AddrPort]*MemoryTransport{},
	}
}

func (n *MemoryNetwork) Attach(addr netip.AddrPort) (*MemoryTransport, error) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if _, exists := n.nodes[addr]; exists {
		return nil, errors.Newf("address %v already attached", addr)
	}
	t := &MemoryTransport{
		network: n,
		addr:    addr,
		changed: make(chan struct{}),
	}
	n.nodes[addr] = t
	return t, nil
}

func (n *MemoryNetwork) lookup(addr netip.AddrPort) *MemoryTransport {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.nodes[addr]
}

func (n *MemoryNetwork) detach(addr netip.AddrPort) {
	n.lock.Lock()
	defer n.lock.Unlock()
	delete(n.nodes, addr)
}

type memoryDatagram struct {
	raw    []byte
	source netip.AddrPort
	stamp  ecpri.Timestamp
}

type MemoryTransport struct {
	network *MemoryNetwork
	addr    netip.AddrPort

	lock     sync.Mutex
	inbox    []memoryDatagram
	txStamps []ecpri.Timestamp
	changed  chan struct{}
	closed   bool
}

// notifyLocked wakes every waiter. Must be called with t.lock held.
func (t *MemoryTransport) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *MemoryTransport) deliver(d memoryDatagram) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return
	}
	t.inbox = append(t.inbox, d)
	t.notifyLocked()
}

func (t *MemoryTransport) Send(msgType ecpri.MessageType, payload []byte, dest netip.AddrPort) (int, error) {
	raw := ecpri.EncodeEnvelope(payload, msgType)
	now := t.network.clock.Now()

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return 0, ErrClosed
	}
	t.txStamps = append(t.txStamps, now)
	t.notifyLocked()
	t.lock.Unlock()

	// Unknown destinations behave like UDP: the datagram is silently lost.
	if peer := t.network.lookup(dest); peer != nil {
		peer.deliver(memoryDatagram{
			raw:    raw,
			source: t.addr,
			stamp:  now.Add(t.network.Latency),
		})
	}
	return len(raw), nil
}

func (t *MemoryTransport) popLocked() (memoryDatagram, bool) {
	if len(t.inbox) == 0 {
		return memoryDatagram{}, false
	}
	d := t.inbox[0]
	t.inbox = t.inbox[1:]
	return d, true
}

func (t *MemoryTransport) Receive() (*types.Datagram, error) {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil, ErrClosed
	}
	d, ok := t.popLocked()
	t.lock.Unlock()
	if !ok {
		return nil, ErrWouldBlock
	}

	msgType, payload, err := ecpri.DecodeEnvelope(d.raw)
	if err != nil {
		return nil, err
	}
	return &types.Datagram{
		Type:         msgType,
		Payload:      append([]byte(nil), payload...),
		Source:       d.source,
		Timestamp:    d.stamp,
		HasTimestamp: true,
	}, nil
}

// DrainTimestamp returns the oldest TX timestamp when errQueue is set, or
// consumes the next datagram and returns its RX timestamp otherwise.
func (t *MemoryTransport) DrainTimestamp(ctx context.Context, errQueue bool) (ecpri.Timestamp, error) {
	for {
		t.lock.Lock()
		if t.closed {
			t.lock.Unlock()
			return ecpri.Timestamp{}, ErrClosed
		}
		if errQueue && len(t.txStamps) > 0 {
			ts := t.txStamps[0]
			t.txStamps = t.txStamps[1:]
			t.lock.Unlock()
			return ts, nil
		}
		if !errQueue {
			if d, ok := t.popLocked(); ok {
				t.lock.Unlock()
				return d.stamp, nil
			}
		}
		changed := t.changed
		t.lock.Unlock()

		select {
		case <-ctx.Done():
			return ecpri.Timestamp{}, contextError(ctx, "timestamp")
		case <-changed:
		}
	}
}

func (t *MemoryTransport) Wait(ctx context.Context) (types.Event, error) {
	for {
		t.lock.Lock()
		if t.closed {
			t.lock.Unlock()
			return types.EventNone, ErrClosed
		}
		if len(t.inbox) > 0 {
			t.lock.Unlock()
			return types.EventDataReady, nil
		}
		if len(t.txStamps) > 0 {
			t.lock.Unlock()
			return types.EventError, nil
		}
		changed := t.changed
		t.lock.Unlock()

		select {
		case <-ctx.Done():
			return types.EventNone, ctx.Err()
		case <-changed:
		}
	}
}

// Pending reports the number of queued datagrams and TX timestamps.
func (t *MemoryTransport) Pending() (datagrams, stamps int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.inbox), len(t.txStamps)
}

func (t *MemoryTransport) LocalAddr() netip.AddrPort {
	return t.addr
}

func (t *MemoryTransport) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true
	t.inbox = nil
	t.txStamps = nil
	t.notifyLocked()
	t.lock.Unlock()

	t.network.detach(t.addr)
	return nil
}

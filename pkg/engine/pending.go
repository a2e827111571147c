package engine

import (
	"context"
	"net/netip"

	"github.com/cockroachdb/errors"
)

type pendingKind uint8

const (
	pendingRMA pendingKind = iota
	pendingReset
)

func (k pendingKind) String() string {
	if k == pendingReset {
		return "remote-reset"
	}
	return "rma"
}

// pendingKey identifies an awaited response by the request id the peer
// echoes back. Peers are matched on address only since a responder may
// answer from another port.
type pendingKey struct {
	kind pendingKind
	op   uint8
	peer netip.Addr
	id   uint16
}

// pendingResponse is completed by the dispatch loop once the response
// arrives, and stays in the table until it has been awaited. Complete is
// closed exactly once.
type pendingResponse struct {
	Complete  chan struct{}
	completed bool

	rma *RMAResponse
	err error
}

// registerLocked starts a new wait for key. A completed response nobody
// awaited is replaced. A key still awaited means the request id wrapped onto
// an unanswered request, which fails with ErrRequestInFlight.
func (e *Engine) registerLocked(key pendingKey) (*pendingResponse, error) {
	if _, ok := e.awaitingLocked(key); ok {
		return nil, errors.Wrapf(ErrRequestInFlight, "%v request %d to %v", key.kind, key.id, key.peer)
	}
	p := &pendingResponse{
		Complete: make(chan struct{}),
	}
	e.pending[key] = p
	return p, nil
}

// awaitingLocked returns the entry for key if it still waits for a response.
func (e *Engine) awaitingLocked(key pendingKey) (*pendingResponse, bool) {
	p, ok := e.pending[key]
	if !ok || p.completed {
		return nil, false
	}
	return p, true
}

// completeLocked hands a result to the waiter of key, if there is one.
func (e *Engine) completeLocked(key pendingKey, fill func(p *pendingResponse)) bool {
	p, ok := e.awaitingLocked(key)
	if !ok {
		return false
	}
	fill(p)
	p.completed = true
	close(p.Complete)
	return true
}

// await blocks outside the engine lock until key is completed, ctx is done
// or the response timeout passes.
func (e *Engine) await(ctx context.Context, key pendingKey) (*pendingResponse, error) {
	e.lock.Lock()
	p, ok := e.pending[key]
	if !ok {
		// Not in the table, so registering cannot fail.
		p, _ = e.registerLocked(key)
	}
	e.lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.responseTimeout)
	defer cancel()

	var waitErr error
	select {
	case <-p.Complete:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.pending[key] == p {
		delete(e.pending, key)
	}
	// The response may have raced with the deadline.
	if p.completed {
		return p, p.err
	}
	if errors.Is(waitErr, context.DeadlineExceeded) {
		e.metrics.Timeout(key.kind.String())
		return nil, errors.Wrapf(ErrTimeout, "waiting for %v response %d from %v", key.kind, key.id, key.peer)
	}
	return nil, waitErr
}

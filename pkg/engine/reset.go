package engine

import (
	"context"
	"net/netip"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xilinx/xroe-ecpri/pkg/ecpri"
	"github.com/xilinx/xroe-ecpri/pkg/types"
)

func resetKey(peer netip.AddrPort, id uint16) pendingKey {
	return pendingKey{kind: pendingReset, peer: peer.Addr(), id: id}
}

// SendResetRequest asks peer to reset and returns the id of the request.
func (e *Engine) SendResetRequest(ctx context.Context, peer netip.AddrPort) (uint16, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	id := e.nextResetID
	msg := ecpri.ResetMessage{
		ID:     id,
		CodeOp: ecpri.ResetCodeOpRequest,
	}
	key := resetKey(peer, id)
	if _, err := e.registerLocked(key); err != nil {
		return 0, err
	}

	if _, err := e.send(ecpri.MessageTypeRemoteReset, &msg, peer); err != nil {
		delete(e.pending, key)
		return 0, errors.Wrapf(err, "failed to send remote reset request to %v", peer)
	}
	e.nextResetID++
	return id, nil
}

// AwaitResetResponse waits for peer to acknowledge the reset request id.
func (e *Engine) AwaitResetResponse(ctx context.Context, peer netip.AddrPort, id uint16) error {
	_, err := e.await(ctx, resetKey(peer, id))
	return err
}

func (e *Engine) RemoteReset(ctx context.Context, peer netip.AddrPort) error {
	id, err := e.SendResetRequest(ctx, peer)
	if err != nil {
		return err
	}
	return e.AwaitResetResponse(ctx, peer, id)
}

func (e *Engine) handleResetLocked(d *types.Datagram) (int, error) {
	var msg ecpri.ResetMessage
	if err := msg.UnmarshalBinary(d.Payload); err != nil {
		return 0, err
	}

	switch msg.CodeOp {
	case ecpri.ResetCodeOpRequest:
		if err := e.resetHandler(d.Source, msg.ID); err != nil {
			logrus.WithError(err).Warnf("Remote reset requested by %v failed", d.Source)
		}
		resp := ecpri.ResetMessage{
			ID:     msg.ID,
			CodeOp: ecpri.ResetCodeOpResponse,
		}
		n, err := e.send(ecpri.MessageTypeRemoteReset, &resp, d.Source)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to acknowledge remote reset to %v", d.Source)
		}
		return n, nil

	case ecpri.ResetCodeOpResponse:
		if !e.completeLocked(resetKey(d.Source, msg.ID), func(p *pendingResponse) {}) {
			return 0, errors.Wrapf(ErrResponseMismatch, "unexpected remote reset response %d from %v", msg.ID, d.Source)
		}
		return 0, nil
	}
	return 0, errors.Wrapf(ErrResponseMismatch, "remote reset message with code op %d from %v", msg.CodeOp, d.Source)
}

package engine

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xilinx/xroe-ecpri/pkg/ecpri"
	"github.com/xilinx/xroe-ecpri/pkg/transport"
	"github.com/xilinx/xroe-ecpri/pkg/types"
)

// HandleIncomingMessage services one readiness event of the protocol socket.
// On data it receives and routes a single datagram and returns the number of
// bytes the handler sent or consumed. On an error event it consumes a pending
// TX timestamp.
func (e *Engine) HandleIncomingMessage(ctx context.Context, event types.Event) (int, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	switch event {
	case types.EventDataReady:
		return e.receiveLocked(ctx)
	case types.EventError:
		// The error queue was readable when the event was raised, so there
		// is nothing to wait for.
		tsCtx, cancel := context.WithTimeout(ctx, 0)
		defer cancel()
		if _, err := e.transport.DrainTimestamp(tsCtx, true); err != nil {
			// Already consumed by a timestamped send.
			if errors.Is(err, ErrTimeout) {
				return 0, nil
			}
			return 0, err
		}
		return 0, nil
	}
	return 0, nil
}

func (e *Engine) receiveLocked(ctx context.Context) (int, error) {
	d, err := e.transport.Receive()
	if err != nil {
		if errors.Is(err, transport.ErrWouldBlock) {
			return 0, nil
		}
		if ecpri.IsDecodeError(err) {
			e.metrics.DecodeError()
		}
		return 0, err
	}
	e.metrics.Received(d.Type.String())

	var n int
	switch d.Type {
	case ecpri.MessageTypeRemoteMemoryAccess:
		n, err = e.handleRMALocked(d)
	case ecpri.MessageTypeOneWayDelayMeasurement:
		n, err = e.handleOWDMLocked(ctx, d)
	case ecpri.MessageTypeRemoteReset:
		n, err = e.handleResetLocked(d)
	case ecpri.MessageTypeGenericData:
		n, err = e.handleGenericLocked(d)
	default:
		e.metrics.UnhandledMessage(d.Type.String())
		logrus.WithFields(logrus.Fields{
			"peer": d.Source,
			"type": d.Type,
		}).Info("Unhandled eCPRI message")
		return 0, nil
	}
	if err != nil && ecpri.IsDecodeError(err) {
		e.metrics.DecodeError()
	}
	return n, err
}

package engine

import (
	"context"
	"net/netip"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xilinx/xroe-ecpri/pkg/ecpri"
	"github.com/xilinx/xroe-ecpri/pkg/types"
)

const (
	testMessagePCID      = 1
	testMessageRequestID = 2
)

// SendTestMessage sends a generic data message carrying the next value of
// the sequence counter. The counter wraps.
func (e *Engine) SendTestMessage(ctx context.Context, dest netip.AddrPort) (int, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	msg := ecpri.GenericMessage{
		PCID:      testMessagePCID,
		RequestID: testMessageRequestID,
		Sequence:  e.sequence,
	}
	n, err := e.send(ecpri.MessageTypeGenericData, &msg, dest)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to send test message to %v", dest)
	}
	e.sequence++
	return n, nil
}

// Sequence returns the sequence number the next test message will carry.
func (e *Engine) Sequence() int32 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.sequence
}

func (e *Engine) handleGenericLocked(d *types.Datagram) (int, error) {
	var msg ecpri.GenericMessage
	if err := msg.UnmarshalBinary(d.Payload); err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{
		"peer":      d.Source,
		"pcID":      msg.PCID,
		"requestID": msg.RequestID,
		"sequence":  msg.Sequence,
	}).Debug("Received test message")
	return len(d.Payload), nil
}

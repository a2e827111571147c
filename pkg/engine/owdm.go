package engine

import (
	"context"
	"net/netip"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xilinx/xroe-ecpri/pkg/ecpri"
	"github.com/xilinx/xroe-ecpri/pkg/types"
)

// maxStaleTimestamps bounds how many leftover TX timestamps are discarded
// before a timestamped send.
const maxStaleTimestamps = 64

type Direction uint8

const (
	DirectionNone Direction = iota
	DirectionToRemote
	DirectionFromRemote
)

func (d Direction) String() string {
	switch d {
	case DirectionToRemote:
		return "to-remote"
	case DirectionFromRemote:
		return "from-remote"
	}
	return "none"
}

type OWDMResult struct {
	Peer           netip.AddrPort
	Direction      Direction
	ResponseNumber int
	Delay          ecpri.Timestamp
}

// OWDMStatus is a snapshot of the measurement state. A measurement is
// outstanding while Requests differs from Result.ResponseNumber.
type OWDMStatus struct {
	Requests     int
	Result       OWDMResult
	Pending      bool
	ReportLimit  int64
	Compensation [8]byte
}

// owdmSample is the single saved timestamp slot: the local TX time of a sent
// request when Sent is set, or the local RX time of a request received from
// Peer.
type owdmSample struct {
	Peer         netip.AddrPort
	ID           uint8
	Sent         bool
	Timestamp    ecpri.Timestamp
	Compensation [8]byte
}

// measurement is a round originated by this node.
type measurement struct {
	peer      netip.AddrPort
	id        uint8
	direction Direction
	deadline  time.Time
}

// CalcDelay returns t1 - t2 with a one second borrow when t2 has more
// nanoseconds than t1. The result is not corrected when t2 is later than t1.
func CalcDelay(t1, t2 ecpri.Timestamp) ecpri.Timestamp {
	delay, _ := calcDelay(t1, t2)
	return delay
}

// calcDelay also returns the untruncated seconds difference.
func calcDelay(t1, t2 ecpri.Timestamp) (ecpri.Timestamp, uint64) {
	sec := t1.Sec
	nsec := uint64(t1.Nsec)
	if t2.Nsec > t1.Nsec {
		nsec += ecpri.NanosecondsPerSecond
		sec--
	}
	sec -= t2.Sec
	return ecpri.Timestamp{
		Sec:  sec & ecpri.MaxSeconds,
		Nsec: uint32(nsec - uint64(t2.Nsec)),
	}, sec
}

// exceedsLimit reports whether a delay must fire the trigger under limit.
func exceedsLimit(sec uint64, nsec uint32, limit int64) bool {
	if limit == 0 {
		return false
	}
	return sec > 0 || int64(nsec) > limit
}

// SendOWDMRequest originates a measurement towards peer. REQ_FOLLOWUP measures
// the delay to the peer; REMOTE_REQ_FOLLOWUP asks the peer to measure its
// delay to this node.
func (e *Engine) SendOWDMRequest(ctx context.Context, action ecpri.OWDMAction, peer netip.AddrPort) (int, error) {
	var direction Direction
	switch action {
	case ecpri.OWDMActionRequestFollowUp:
		direction = DirectionToRemote
	case ecpri.OWDMActionRemoteRequestFollowUp:
		direction = DirectionFromRemote
	default:
		return 0, errors.Wrapf(ErrUnsupportedAction, "cannot originate %v", action)
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	if m := e.activeMeasurementLocked(); m != nil {
		return 0, errors.Wrapf(ErrMeasurementInFlight, "%v measurement %d with %v", m.direction, m.id, m.peer)
	}

	msg := ecpri.OWDMMessage{
		ID:     e.nextOWDMID,
		Action: action,
	}
	var (
		n   int
		err error
	)
	if direction == DirectionToRemote {
		n, err = e.sendWithFollowUpLocked(ctx, msg, peer)
	} else {
		n, err = e.send(ecpri.MessageTypeOneWayDelayMeasurement, &msg, peer)
		if err == nil {
			e.flushTimestampLocked(ctx)
		}
	}
	if err != nil {
		return n, errors.Wrapf(err, "failed to send OWDM %v to %v", action, peer)
	}

	e.nextOWDMID++
	e.requests++
	e.inFlight = &measurement{
		peer:      peer,
		id:        msg.ID,
		direction: direction,
		deadline:  time.Now().Add(e.owdmTimeout),
	}
	logrus.WithFields(logrus.Fields{
		"peer":    peer,
		"id":      msg.ID,
		"action":  action,
		"request": e.requests,
	}).Debug("Sent OWDM request")
	return n, nil
}

// sendWithFollowUpLocked sends msg as a REQ_FOLLOWUP, saves its TX timestamp
// and sends the same message again as a FOLLOWUP carrying that timestamp.
func (e *Engine) sendWithFollowUpLocked(ctx context.Context, msg ecpri.OWDMMessage, dest netip.AddrPort) (int, error) {
	e.purgeTimestampsLocked()

	msg.Action = ecpri.OWDMActionRequestFollowUp
	n, err := e.send(ecpri.MessageTypeOneWayDelayMeasurement, &msg, dest)
	if err != nil {
		return 0, err
	}

	tsCtx, cancel := context.WithTimeout(ctx, e.timestampTimeout)
	ts, err := e.transport.DrainTimestamp(tsCtx, true)
	cancel()
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			e.metrics.Timeout("tx-timestamp")
		}
		return n, errors.Wrap(err, "failed to get TX timestamp of OWDM request")
	}

	msg.Timestamp = ts
	msg.Compensation = e.compensation
	e.saved = &owdmSample{
		Peer:         dest,
		ID:           msg.ID,
		Sent:         true,
		Timestamp:    ts,
		Compensation: e.compensation,
	}

	msg.Action = ecpri.OWDMActionFollowUp
	m, err := e.send(ecpri.MessageTypeOneWayDelayMeasurement, &msg, dest)
	if err != nil {
		return n, err
	}
	e.flushTimestampLocked(ctx)
	return n + m, nil
}

// purgeTimestampsLocked discards TX timestamps of earlier sends that the
// dispatch loop has not consumed yet.
func (e *Engine) purgeTimestampsLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < maxStaleTimestamps; i++ {
		if _, err := e.transport.DrainTimestamp(ctx, true); err != nil {
			return
		}
	}
}

// flushTimestampLocked consumes the TX timestamp of the last send. A timeout
// only means there was nothing to consume.
func (e *Engine) flushTimestampLocked(ctx context.Context) {
	tsCtx, cancel := context.WithTimeout(ctx, e.timestampTimeout)
	defer cancel()
	if _, err := e.transport.DrainTimestamp(tsCtx, true); err != nil && !errors.Is(err, ErrTimeout) {
		logrus.WithError(err).Debug("Failed to flush TX timestamp")
	}
}

// activeMeasurementLocked returns the originated measurement still awaiting
// its result, expiring it once the OWDM timeout has passed.
func (e *Engine) activeMeasurementLocked() *measurement {
	if e.inFlight == nil {
		return nil
	}
	if time.Now().After(e.inFlight.deadline) {
		logrus.WithFields(logrus.Fields{
			"peer":      e.inFlight.peer,
			"id":        e.inFlight.id,
			"direction": e.inFlight.direction,
		}).Warn("OWDM measurement expired without a result")
		e.metrics.Timeout("owdm")
		e.inFlight = nil
		return nil
	}
	return e.inFlight
}

func (e *Engine) handleOWDMLocked(ctx context.Context, d *types.Datagram) (int, error) {
	var msg ecpri.OWDMMessage
	if err := msg.UnmarshalBinary(d.Payload); err != nil {
		return 0, err
	}

	switch msg.Action {
	case ecpri.OWDMActionRequestFollowUp:
		if err := e.checkIncomingRequestLocked(d.Source, msg.ID); err != nil {
			return 0, err
		}
		e.saved = &owdmSample{
			Peer:         d.Source,
			ID:           msg.ID,
			Timestamp:    e.rxTimestamp(d),
			Compensation: e.compensation,
		}
		return 0, nil

	case ecpri.OWDMActionFollowUp:
		if e.saved == nil || e.saved.Sent || e.saved.Peer.Addr() != d.Source.Addr() {
			return 0, errors.Wrapf(ErrResponseMismatch, "OWDM follow-up from %v without a saved request", d.Source)
		}
		resp := ecpri.OWDMMessage{
			ID:           msg.ID,
			Action:       ecpri.OWDMActionResponse,
			Timestamp:    e.saved.Timestamp,
			Compensation: e.compensation,
		}
		e.resolveLocked(d.Source, msg.ID, DirectionFromRemote, e.saved.Timestamp, msg.Timestamp)
		e.saved = nil

		n, err := e.send(ecpri.MessageTypeOneWayDelayMeasurement, &resp, d.Source)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to send OWDM response to %v", d.Source)
		}
		e.flushTimestampLocked(ctx)
		return n, nil

	case ecpri.OWDMActionResponse:
		if e.saved == nil || !e.saved.Sent || e.saved.Peer.Addr() != d.Source.Addr() {
			return 0, errors.Wrapf(ErrResponseMismatch, "OWDM response from %v without a saved request", d.Source)
		}
		if e.saved.ID != msg.ID {
			return 0, errors.Wrapf(ErrResponseMismatch, "stale OWDM response %d from %v, expected %d", msg.ID, d.Source, e.saved.ID)
		}
		e.resolveLocked(d.Source, msg.ID, DirectionToRemote, msg.Timestamp, e.saved.Timestamp)
		e.saved = nil
		return 0, nil

	case ecpri.OWDMActionRemoteRequestFollowUp:
		if m := e.activeMeasurementLocked(); m != nil {
			return 0, errors.Wrapf(ErrMeasurementInFlight, "dropping remote OWDM request %d from %v while measuring %v with %v",
				msg.ID, d.Source, m.direction, m.peer)
		}
		echo := ecpri.OWDMMessage{ID: msg.ID}
		n, err := e.sendWithFollowUpLocked(ctx, echo, d.Source)
		if err != nil {
			return n, errors.Wrapf(err, "failed to answer remote OWDM request from %v", d.Source)
		}
		return n, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedAction, "received %v from %v", msg.Action, d.Source)
}

// checkIncomingRequestLocked decides whether a REQ_FOLLOWUP from source may
// take the saved timestamp slot. While this node measures, only the echo of
// its own from-remote request is accepted.
func (e *Engine) checkIncomingRequestLocked(source netip.AddrPort, id uint8) error {
	m := e.activeMeasurementLocked()
	if m == nil {
		return nil
	}
	if m.direction == DirectionFromRemote && m.peer.Addr() == source.Addr() && m.id == id {
		return nil
	}
	return errors.Wrapf(ErrMeasurementInFlight, "dropping OWDM request %d from %v while measuring %v with %v",
		id, source, m.direction, m.peer)
}

// resolveLocked stores the delay t1 - t2 as the latest result, fires the
// trigger when it exceeds the report limit and completes the originated
// measurement it answers.
func (e *Engine) resolveLocked(peer netip.AddrPort, id uint8, direction Direction, t1, t2 ecpri.Timestamp) {
	delay, sec := calcDelay(t1, t2)
	if exceedsLimit(sec, delay.Nsec, e.reportLimit) {
		e.fireTriggerLocked(delay)
	}

	e.result = OWDMResult{
		Peer:           peer,
		Direction:      direction,
		ResponseNumber: e.requests,
		Delay:          delay,
	}
	if m := e.inFlight; m != nil && m.peer.Addr() == peer.Addr() && m.id == id && m.direction == direction {
		e.inFlight = nil
	}
	e.metrics.Delay(direction.String(), float64(delay.Sec)+float64(delay.Nsec)/ecpri.NanosecondsPerSecond)

	logrus.WithFields(logrus.Fields{
		"peer":      peer,
		"direction": direction,
		"response":  e.result.ResponseNumber,
		"delay":     delay,
	}).Debug("OWDM measurement resolved")
}

func (e *Engine) fireTriggerLocked(delay ecpri.Timestamp) {
	e.metrics.Triggered()
	logrus.WithFields(logrus.Fields{
		"delay": delay,
		"limit": e.reportLimit,
	}).Info("OWDM delay over report limit")
	if e.trigger == nil {
		return
	}
	if err := e.trigger.Fire(); err != nil {
		logrus.WithError(err).Warn("Failed to fire OWDM report trigger")
	}
}

func (e *Engine) OWDMStatus() OWDMStatus {
	e.lock.Lock()
	defer e.lock.Unlock()
	return OWDMStatus{
		Requests:     e.requests,
		Result:       e.result,
		Pending:      e.activeMeasurementLocked() != nil,
		ReportLimit:  e.reportLimit,
		Compensation: e.compensation,
	}
}

// SetReportLimit sets the delay in nanoseconds above which the trigger fires.
// Zero disables reporting.
func (e *Engine) SetReportLimit(ns int64) error {
	if ns < 0 {
		return errors.Wrapf(ErrInvalidRequest, "negative report limit %d", ns)
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	e.reportLimit = ns
	return nil
}

func (e *Engine) SetCompensation(comp [8]byte) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.compensation = comp
}

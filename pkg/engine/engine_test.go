package engine

import (
	"context"
	"math"
	"net/netip"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	. "gopkg.in/check.v1"

	"github.com/xilinx/xroe-ecpri/pkg/ecpri"
	"github.com/xilinx/xroe-ecpri/pkg/register"
	"github.com/xilinx/xroe-ecpri/pkg/transport"
	"github.com/xilinx/xroe-ecpri/pkg/types"
)

func Test(t *testing.T) { TestingT(t) }

const latency = 5 * time.Microsecond

var (
	addrA = netip.MustParseAddrPort("192.168.1.10:5001")
	addrB = netip.MustParseAddrPort("192.168.1.20:5001")
)

type countingTrigger struct {
	fired int
}

func (t *countingTrigger) Fire() error {
	t.fired++
	return nil
}

type node struct {
	engine    *Engine
	transport *transport.MemoryTransport
	registers *register.Memory
	trigger   *countingTrigger
}

type TestSuite struct {
	ctx     context.Context
	cancel  context.CancelFunc
	clock   *transport.ManualClock
	network *transport.MemoryNetwork
	a       *node
	b       *node
}

var _ = Suite(&TestSuite{})

func (s *TestSuite) SetUpTest(c *C) {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	s.clock = transport.NewManualClock(ecpri.Timestamp{Sec: 1000}, time.Microsecond)
	s.network = transport.NewMemoryNetwork(s.clock, latency)
	s.a = s.newNode(c, addrA, Options{})
	s.b = s.newNode(c, addrB, Options{})
}

func (s *TestSuite) TearDownTest(c *C) {
	s.cancel()
}

func (s *TestSuite) newNode(c *C, addr netip.AddrPort, opts Options) *node {
	t, err := s.network.Attach(addr)
	c.Assert(err, IsNil)
	n := &node{
		transport: t,
		registers: register.NewMemory(0x1000),
		trigger:   &countingTrigger{},
	}
	opts.Transport = t
	opts.Registers = n.registers
	opts.Trigger = n.trigger
	opts.Clock = s.clock
	n.engine, err = New(opts)
	c.Assert(err, IsNil)
	return n
}

// replace swaps the engine on the side of addr for one built with opts.
func (s *TestSuite) replace(c *C, n *node, opts Options) *node {
	addr := n.transport.LocalAddr()
	c.Assert(n.transport.Close(), IsNil)
	return s.newNode(c, addr, opts)
}

func (s *TestSuite) pump(n *node) (int, error) {
	return n.engine.HandleIncomingMessage(s.ctx, types.EventDataReady)
}

func (s *TestSuite) TestNewRequiresTransport(c *C) {
	_, err := New(Options{})
	c.Assert(errors.Is(err, ErrInvalidRequest), Equals, true)

	_, err = New(Options{Transport: s.a.transport, ReportLimit: -1})
	c.Assert(errors.Is(err, ErrInvalidRequest), Equals, true)
}

func (s *TestSuite) TestCalcDelay(c *C) {
	d := CalcDelay(ecpri.Timestamp{Sec: 10, Nsec: 5000}, ecpri.Timestamp{Sec: 10, Nsec: 2000})
	c.Assert(d, Equals, ecpri.Timestamp{Sec: 0, Nsec: 3000})

	// Borrow path: t1.nsec += 1e9, t1.sec -= 1, then subtract.
	d = CalcDelay(ecpri.Timestamp{Sec: 10, Nsec: 1000}, ecpri.Timestamp{Sec: 9, Nsec: 5000})
	c.Assert(d, Equals, ecpri.Timestamp{Sec: 0, Nsec: 999996000})

	d = CalcDelay(ecpri.Timestamp{Sec: 12, Nsec: 0}, ecpri.Timestamp{Sec: 10, Nsec: 999999999})
	c.Assert(d, Equals, ecpri.Timestamp{Sec: 1, Nsec: 1})

	// A later t2 is not corrected, seconds wrap within 48 bits.
	d = CalcDelay(ecpri.Timestamp{Sec: 10}, ecpri.Timestamp{Sec: 11})
	c.Assert(d, Equals, ecpri.Timestamp{Sec: ecpri.MaxSeconds, Nsec: 0})
}

func (s *TestSuite) TestExceedsLimit(c *C) {
	c.Assert(exceedsLimit(0, 1500, 1000), Equals, true)
	c.Assert(exceedsLimit(0, 500, 1000), Equals, false)
	c.Assert(exceedsLimit(0, 1000, 1000), Equals, false)
	c.Assert(exceedsLimit(1, 0, 1000), Equals, true)
	c.Assert(exceedsLimit(3, 999999999, 0), Equals, false)
}

func (s *TestSuite) TestSetReportLimit(c *C) {
	c.Assert(s.a.engine.SetReportLimit(2500), IsNil)
	c.Assert(s.a.engine.OWDMStatus().ReportLimit, Equals, int64(2500))

	err := s.a.engine.SetReportLimit(-1)
	c.Assert(errors.Is(err, ErrInvalidRequest), Equals, true)
	c.Assert(s.a.engine.OWDMStatus().ReportLimit, Equals, int64(2500))
}

func (s *TestSuite) TestUnsupportedAction(c *C) {
	for _, action := range []ecpri.OWDMAction{
		ecpri.OWDMActionRequest,
		ecpri.OWDMActionRemoteRequest,
		ecpri.OWDMActionResponse,
		ecpri.OWDMActionFollowUp,
	} {
		_, err := s.a.engine.SendOWDMRequest(s.ctx, action, addrB)
		c.Assert(errors.Is(err, ErrUnsupportedAction), Equals, true, Commentf("action %v", action))
	}
	c.Assert(s.a.engine.OWDMStatus().Requests, Equals, 0)

	datagrams, stamps := s.b.transport.Pending()
	c.Assert(datagrams, Equals, 0)
	_, stamps = s.a.transport.Pending()
	c.Assert(stamps, Equals, 0)
}

func (s *TestSuite) TestOWDMShortMessage(c *C) {
	before := s.b.engine.OWDMStatus()
	_, err := s.a.transport.Send(ecpri.MessageTypeOneWayDelayMeasurement, make([]byte, ecpri.OWDMMessageSize-1), addrB)
	c.Assert(err, IsNil)

	_, err = s.pump(s.b)
	c.Assert(errors.Is(err, ecpri.ErrShortMessage), Equals, true)
	c.Assert(s.b.engine.OWDMStatus(), DeepEquals, before)
	c.Assert(s.b.engine.saved, IsNil)
}

func (s *TestSuite) TestOWDMToRemote(c *C) {
	n, err := s.a.engine.SendOWDMRequest(s.ctx, ecpri.OWDMActionRequestFollowUp, addrB)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 2*(ecpri.HeaderSize+ecpri.OWDMMessageSize))

	status := s.a.engine.OWDMStatus()
	c.Assert(status.Requests, Equals, 1)
	c.Assert(status.Pending, Equals, true)
	_, stamps := s.a.transport.Pending()
	c.Assert(stamps, Equals, 0)

	// REQ_FOLLOWUP, then FOLLOWUP which is answered with RESP.
	n, err = s.pump(s.b)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 0)
	n, err = s.pump(s.b)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, ecpri.HeaderSize+ecpri.OWDMMessageSize)

	responder := s.b.engine.OWDMStatus()
	c.Assert(responder.Result, Equals, OWDMResult{
		Peer:           addrA,
		Direction:      DirectionFromRemote,
		ResponseNumber: 0,
		Delay:          ecpri.Timestamp{Nsec: uint32(latency)},
	})

	_, err = s.pump(s.a)
	c.Assert(err, IsNil)

	status = s.a.engine.OWDMStatus()
	c.Assert(status.Pending, Equals, false)
	c.Assert(status.Result, Equals, OWDMResult{
		Peer:           addrB,
		Direction:      DirectionToRemote,
		ResponseNumber: status.Requests,
		Delay:          ecpri.Timestamp{Nsec: uint32(latency)},
	})
	c.Assert(s.a.trigger.fired, Equals, 0)
}

func (s *TestSuite) TestOWDMFromRemote(c *C) {
	n, err := s.a.engine.SendOWDMRequest(s.ctx, ecpri.OWDMActionRemoteRequestFollowUp, addrB)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, ecpri.HeaderSize+ecpri.OWDMMessageSize)

	// The peer runs the timestamped request towards us.
	n, err = s.pump(s.b)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 2*(ecpri.HeaderSize+ecpri.OWDMMessageSize))
	c.Assert(s.b.engine.OWDMStatus().Requests, Equals, 0)

	_, err = s.pump(s.a)
	c.Assert(err, IsNil)
	c.Assert(s.a.engine.OWDMStatus().Pending, Equals, true)
	_, err = s.pump(s.a)
	c.Assert(err, IsNil)

	status := s.a.engine.OWDMStatus()
	c.Assert(status.Pending, Equals, false)
	c.Assert(status.Result, Equals, OWDMResult{
		Peer:           addrB,
		Direction:      DirectionFromRemote,
		ResponseNumber: 1,
		Delay:          ecpri.Timestamp{Nsec: uint32(latency)},
	})

	_, err = s.pump(s.b)
	c.Assert(err, IsNil)
	c.Assert(s.b.engine.OWDMStatus().Result, Equals, OWDMResult{
		Peer:           addrA,
		Direction:      DirectionToRemote,
		ResponseNumber: 0,
		Delay:          ecpri.Timestamp{Nsec: uint32(latency)},
	})
}

func (s *TestSuite) runToRemote(c *C) {
	_, err := s.a.engine.SendOWDMRequest(s.ctx, ecpri.OWDMActionRequestFollowUp, addrB)
	c.Assert(err, IsNil)
	for i := 0; i < 2; i++ {
		_, err = s.pump(s.b)
		c.Assert(err, IsNil)
	}
	_, err = s.pump(s.a)
	c.Assert(err, IsNil)
}

func (s *TestSuite) TestOWDMThresholdTrigger(c *C) {
	c.Assert(s.a.engine.SetReportLimit(1000), IsNil)
	c.Assert(s.b.engine.SetReportLimit(1000), IsNil)
	s.runToRemote(c)
	c.Assert(s.a.trigger.fired, Equals, 1)
	c.Assert(s.b.trigger.fired, Equals, 1)

	c.Assert(s.a.engine.SetReportLimit(int64(2*latency)), IsNil)
	c.Assert(s.b.engine.SetReportLimit(0), IsNil)
	s.runToRemote(c)
	c.Assert(s.a.trigger.fired, Equals, 1)
	c.Assert(s.b.trigger.fired, Equals, 1)
	c.Assert(s.a.engine.OWDMStatus().Result.ResponseNumber, Equals, 2)
}

func (s *TestSuite) TestOWDMCompensationPassedThrough(c *C) {
	comp := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	s.a.engine.SetCompensation(comp)
	_, err := s.a.engine.SendOWDMRequest(s.ctx, ecpri.OWDMActionRequestFollowUp, addrB)
	c.Assert(err, IsNil)

	_, err = s.b.transport.Receive()
	c.Assert(err, IsNil)
	d, err := s.b.transport.Receive()
	c.Assert(err, IsNil)

	var msg ecpri.OWDMMessage
	c.Assert(msg.UnmarshalBinary(d.Payload), IsNil)
	c.Assert(msg.Action, Equals, ecpri.OWDMActionFollowUp)
	c.Assert(msg.Compensation, Equals, comp)
	c.Assert(msg.Timestamp, Equals, ecpri.Timestamp{Sec: 1000})
	c.Assert(s.a.engine.OWDMStatus().Compensation, Equals, comp)
}

func (s *TestSuite) TestOWDMInFlight(c *C) {
	_, err := s.a.engine.SendOWDMRequest(s.ctx, ecpri.OWDMActionRequestFollowUp, addrB)
	c.Assert(err, IsNil)

	_, err = s.a.engine.SendOWDMRequest(s.ctx, ecpri.OWDMActionRemoteRequestFollowUp, addrB)
	c.Assert(errors.Is(err, ErrMeasurementInFlight), Equals, true)
	c.Assert(s.a.engine.OWDMStatus().Requests, Equals, 1)

	// A request from a third node cannot take the saved timestamp slot.
	c3 := s.newNode(c, netip.MustParseAddrPort("192.168.1.30:5001"), Options{})
	_, err = c3.engine.SendOWDMRequest(s.ctx, ecpri.OWDMActionRequestFollowUp, addrA)
	c.Assert(err, IsNil)
	_, err = s.pump(s.a)
	c.Assert(errors.Is(err, ErrMeasurementInFlight), Equals, true)
	c.Assert(s.a.engine.saved.Peer, Equals, addrB)
}

// A remote request from another node must not replace the saved TX timestamp
// of a round this node is measuring.
func (s *TestSuite) TestOWDMRemoteRequestWhileMeasuring(c *C) {
	_, err := s.a.engine.SendOWDMRequest(s.ctx, ecpri.OWDMActionRequestFollowUp, addrB)
	c.Assert(err, IsNil)
	saved := *s.a.engine.saved

	c3 := s.newNode(c, netip.MustParseAddrPort("192.168.1.30:5001"), Options{})
	_, err = c3.engine.SendOWDMRequest(s.ctx, ecpri.OWDMActionRemoteRequestFollowUp, addrA)
	c.Assert(err, IsNil)
	n, err := s.pump(s.a)
	c.Assert(errors.Is(err, ErrMeasurementInFlight), Equals, true)
	c.Assert(n, Equals, 0)
	c.Assert(*s.a.engine.saved, Equals, saved)
	datagrams, _ := c3.transport.Pending()
	c.Assert(datagrams, Equals, 0)

	for i := 0; i < 2; i++ {
		_, err = s.pump(s.b)
		c.Assert(err, IsNil)
	}
	_, err = s.pump(s.a)
	c.Assert(err, IsNil)

	status := s.a.engine.OWDMStatus()
	c.Assert(status.Pending, Equals, false)
	c.Assert(status.Result, Equals, OWDMResult{
		Peer:           addrB,
		Direction:      DirectionToRemote,
		ResponseNumber: 1,
		Delay:          ecpri.Timestamp{Nsec: uint32(latency)},
	})
}

// The peer of a to-remote round starting its own round towards this node
// reuses the same ids; its request must not take over the saved slot either.
func (s *TestSuite) TestOWDMRequestFromPeerWhileMeasuring(c *C) {
	_, err := s.a.engine.SendOWDMRequest(s.ctx, ecpri.OWDMActionRequestFollowUp, addrB)
	c.Assert(err, IsNil)
	saved := *s.a.engine.saved

	for _, action := range []ecpri.OWDMAction{ecpri.OWDMActionRequestFollowUp, ecpri.OWDMActionFollowUp} {
		msg := ecpri.OWDMMessage{ID: saved.ID, Action: action, Timestamp: ecpri.Timestamp{Sec: 999}}
		b, err := msg.MarshalBinary()
		c.Assert(err, IsNil)
		_, err = s.b.transport.Send(ecpri.MessageTypeOneWayDelayMeasurement, b, addrA)
		c.Assert(err, IsNil)
	}

	_, err = s.pump(s.a)
	c.Assert(errors.Is(err, ErrMeasurementInFlight), Equals, true)
	n, err := s.pump(s.a)
	c.Assert(errors.Is(err, ErrResponseMismatch), Equals, true)
	c.Assert(n, Equals, 0)
	c.Assert(*s.a.engine.saved, Equals, saved)
	c.Assert(s.a.engine.OWDMStatus().Result, Equals, OWDMResult{})

	for i := 0; i < 2; i++ {
		_, err = s.pump(s.b)
		c.Assert(err, IsNil)
	}
	_, err = s.pump(s.a)
	c.Assert(err, IsNil)

	status := s.a.engine.OWDMStatus()
	c.Assert(status.Pending, Equals, false)
	c.Assert(status.Result.Direction, Equals, DirectionToRemote)
	c.Assert(status.Result.Delay, Equals, ecpri.Timestamp{Nsec: uint32(latency)})
}

func (s *TestSuite) TestOWDMInFlightExpires(c *C) {
	s.a = s.replace(c, s.a, Options{OWDMTimeout: time.Millisecond})

	_, err := s.a.engine.SendOWDMRequest(s.ctx, ecpri.OWDMActionRequestFollowUp, addrB)
	c.Assert(err, IsNil)
	time.Sleep(10 * time.Millisecond)
	c.Assert(s.a.engine.OWDMStatus().Pending, Equals, false)

	_, err = s.a.engine.SendOWDMRequest(s.ctx, ecpri.OWDMActionRequestFollowUp, addrB)
	c.Assert(err, IsNil)
	c.Assert(s.a.engine.OWDMStatus().Requests, Equals, 2)
}

func (s *TestSuite) TestOWDMStaleResponse(c *C) {
	_, err := s.a.engine.SendOWDMRequest(s.ctx, ecpri.OWDMActionRequestFollowUp, addrB)
	c.Assert(err, IsNil)

	stale := ecpri.OWDMMessage{ID: 9, Action: ecpri.OWDMActionResponse, Timestamp: ecpri.Timestamp{Sec: 1000, Nsec: 1}}
	b, err := stale.MarshalBinary()
	c.Assert(err, IsNil)
	_, err = s.b.transport.Send(ecpri.MessageTypeOneWayDelayMeasurement, b, addrA)
	c.Assert(err, IsNil)

	_, err = s.pump(s.a)
	c.Assert(errors.Is(err, ErrResponseMismatch), Equals, true)
	status := s.a.engine.OWDMStatus()
	c.Assert(status.Pending, Equals, true)
	c.Assert(status.Result, Equals, OWDMResult{})
}

func (s *TestSuite) TestOWDMFollowUpWithoutRequest(c *C) {
	msg := ecpri.OWDMMessage{Action: ecpri.OWDMActionFollowUp}
	b, err := msg.MarshalBinary()
	c.Assert(err, IsNil)
	_, err = s.a.transport.Send(ecpri.MessageTypeOneWayDelayMeasurement, b, addrB)
	c.Assert(err, IsNil)

	_, err = s.pump(s.b)
	c.Assert(errors.Is(err, ErrResponseMismatch), Equals, true)
	datagrams, _ := s.a.transport.Pending()
	c.Assert(datagrams, Equals, 0)
}

func (s *TestSuite) TestRMARead(c *C) {
	pattern := []byte{0xde, 0xad, 0xbe, 0xef}
	c.Assert(s.b.registers.Write(0x100, pattern), IsNil)

	req, n, err := s.a.engine.SendRMARequest(s.ctx, ecpri.RMARead, addrB, 0x100, 4, nil)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, ecpri.HeaderSize+ecpri.RMAHeaderSize)
	c.Assert(req, Equals, RMARequest{ID: 0, Op: ecpri.RMARead, Peer: addrB})

	n, err = s.pump(s.b)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, ecpri.HeaderSize+ecpri.RMAHeaderSize+4)

	_, err = s.pump(s.a)
	c.Assert(err, IsNil)

	resp, err := s.a.engine.AwaitRMAResponse(s.ctx, req)
	c.Assert(err, IsNil)
	c.Assert(resp.Length, Equals, uint16(4))
	c.Assert(resp.Data, DeepEquals, pattern)
	c.Assert(resp.Address, Equals, uint64(0x100))
	c.Assert(s.a.engine.pending, HasLen, 0)
}

func (s *TestSuite) TestRMAReadHighAddressBitsIgnored(c *C) {
	c.Assert(s.b.registers.Write(0x100, []byte{1, 2}), IsNil)
	req, _, err := s.a.engine.SendRMARequest(s.ctx, ecpri.RMARead, addrB, 0xabcd00000100, 2, nil)
	c.Assert(err, IsNil)
	_, err = s.pump(s.b)
	c.Assert(err, IsNil)
	_, err = s.pump(s.a)
	c.Assert(err, IsNil)

	resp, err := s.a.engine.AwaitRMAResponse(s.ctx, req)
	c.Assert(err, IsNil)
	c.Assert(resp.Data, DeepEquals, []byte{1, 2})
	c.Assert(resp.Address, Equals, uint64(0x100))
}

func (s *TestSuite) TestRMAWrite(c *C) {
	req, _, err := s.a.engine.SendRMARequest(s.ctx, ecpri.RMAWrite, addrB, 0x20, 2, []byte{0xaa, 0xbb})
	c.Assert(err, IsNil)

	n, err := s.pump(s.b)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, ecpri.HeaderSize+ecpri.RMAHeaderSize)

	buf := make([]byte, 2)
	c.Assert(s.b.registers.Read(0x20, buf), IsNil)
	c.Assert(buf, DeepEquals, []byte{0xaa, 0xbb})

	_, err = s.pump(s.a)
	c.Assert(err, IsNil)
	resp, err := s.a.engine.AwaitRMAResponse(s.ctx, req)
	c.Assert(err, IsNil)
	c.Assert(resp.Length, Equals, uint16(2))
	c.Assert(resp.Data, IsNil)
}

func (s *TestSuite) TestRMAWriteNoResponse(c *C) {
	_, _, err := s.a.engine.SendRMARequest(s.ctx, ecpri.RMAWriteNoResponse, addrB, 0x40, 1, []byte{0x5a})
	c.Assert(err, IsNil)
	c.Assert(s.a.engine.pending, HasLen, 0)

	n, err := s.pump(s.b)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 0)

	buf := make([]byte, 1)
	c.Assert(s.b.registers.Read(0x40, buf), IsNil)
	c.Assert(buf, DeepEquals, []byte{0x5a})
	datagrams, _ := s.a.transport.Pending()
	c.Assert(datagrams, Equals, 0)
}

func (s *TestSuite) TestRMARequestValidation(c *C) {
	_, _, err := s.a.engine.SendRMARequest(s.ctx, ecpri.RMAWrite, addrB, 0, 4, []byte{1})
	c.Assert(errors.Is(err, ErrInvalidRequest), Equals, true)
	_, _, err = s.a.engine.SendRMARequest(s.ctx, ecpri.RMARead, addrB, ecpri.MaxAddress+1, 4, nil)
	c.Assert(errors.Is(err, ErrInvalidRequest), Equals, true)
	_, _, err = s.a.engine.SendRMARequest(s.ctx, 0x30, addrB, 0, 0, nil)
	c.Assert(errors.Is(err, ErrInvalidRequest), Equals, true)
	_, _, err = s.a.engine.SendRMARequest(s.ctx, ecpri.RMARead, addrB, 0, ecpri.MaxRMAReadLength+1, nil)
	c.Assert(errors.Is(err, ErrInvalidRequest), Equals, true)
	c.Assert(s.a.engine.pending, HasLen, 0)
}

func (s *TestSuite) TestRMAMismatchedResponseDropped(c *C) {
	c.Assert(s.b.registers.Write(0x100, []byte{9, 8, 7, 6}), IsNil)
	req, _, err := s.a.engine.SendRMARequest(s.ctx, ecpri.RMARead, addrB, 0x100, 4, nil)
	c.Assert(err, IsNil)

	// A write response and an unrelated message arrive first.
	bogus := ecpri.RMAMessage{Flags: ecpri.RMAWrite | ecpri.RMAResponse, Address: 0x100, Length: 4}
	b, err := bogus.MarshalBinary()
	c.Assert(err, IsNil)
	_, err = s.b.transport.Send(ecpri.MessageTypeRemoteMemoryAccess, b, addrA)
	c.Assert(err, IsNil)
	_, err = s.b.engine.SendTestMessage(s.ctx, addrA)
	c.Assert(err, IsNil)

	_, err = s.pump(s.a)
	c.Assert(errors.Is(err, ErrResponseMismatch), Equals, true)
	_, err = s.pump(s.a)
	c.Assert(err, IsNil)
	_, ok := s.a.engine.awaitingLocked(req.key())
	c.Assert(ok, Equals, true)

	_, err = s.pump(s.b)
	c.Assert(err, IsNil)
	_, err = s.pump(s.a)
	c.Assert(err, IsNil)
	resp, err := s.a.engine.AwaitRMAResponse(s.ctx, req)
	c.Assert(err, IsNil)
	c.Assert(resp.Data, DeepEquals, []byte{9, 8, 7, 6})
}

func (s *TestSuite) TestRMATruncatedReadResponse(c *C) {
	req, _, err := s.a.engine.SendRMARequest(s.ctx, ecpri.RMARead, addrB, 0x100, 4, nil)
	c.Assert(err, IsNil)

	short := ecpri.RMAMessage{Flags: ecpri.RMARead | ecpri.RMAResponse, Address: 0x100, Length: 4, Data: []byte{1, 2}}
	b, err := short.MarshalBinary()
	c.Assert(err, IsNil)
	_, err = s.b.transport.Send(ecpri.MessageTypeRemoteMemoryAccess, b, addrA)
	c.Assert(err, IsNil)

	_, err = s.pump(s.a)
	c.Assert(errors.Is(err, ecpri.ErrTruncatedPayload), Equals, true)
	_, ok := s.a.engine.awaitingLocked(req.key())
	c.Assert(ok, Equals, true)
}

// Waiting for a response is bounded. A peer that never answers ends the wait
// with ErrTimeout instead of blocking forever.
func (s *TestSuite) TestRMAAwaitTimesOut(c *C) {
	s.a = s.replace(c, s.a, Options{ResponseTimeout: 20 * time.Millisecond})
	silent := netip.MustParseAddrPort("192.168.1.99:5001")

	req, _, err := s.a.engine.SendRMARequest(s.ctx, ecpri.RMARead, silent, 0x100, 4, nil)
	c.Assert(err, IsNil)
	_, err = s.a.engine.AwaitRMAResponse(s.ctx, req)
	c.Assert(errors.Is(err, ErrTimeout), Equals, true)
	c.Assert(s.a.engine.pending, HasLen, 0)

	_, err = s.a.engine.RMARead(s.ctx, silent, 0x100, 4)
	c.Assert(errors.Is(err, ErrTimeout), Equals, true)
}

func (s *TestSuite) TestRMAAwaitCancelled(c *C) {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.a.engine.AwaitRMAResponse(ctx, RMARequest{Op: ecpri.RMARead, Peer: addrB})
	c.Assert(errors.Is(err, context.Canceled), Equals, true)
}

func (s *TestSuite) TestRMAOutstandingReadsToOnePeer(c *C) {
	c.Assert(s.b.registers.Write(0x100, []byte{1, 1, 1, 1}), IsNil)
	c.Assert(s.b.registers.Write(0x200, []byte{2, 2, 2, 2}), IsNil)

	first, _, err := s.a.engine.SendRMARequest(s.ctx, ecpri.RMARead, addrB, 0x100, 4, nil)
	c.Assert(err, IsNil)
	second, _, err := s.a.engine.SendRMARequest(s.ctx, ecpri.RMARead, addrB, 0x200, 4, nil)
	c.Assert(err, IsNil)
	c.Assert(first.ID, Not(Equals), second.ID)

	type result struct {
		data []byte
		err  error
	}
	results := make([]chan result, 2)
	for i, req := range []RMARequest{first, second} {
		results[i] = make(chan result, 1)
		go func(req RMARequest, ch chan result) {
			resp, err := s.a.engine.AwaitRMAResponse(s.ctx, req)
			if err != nil {
				ch <- result{err: err}
				return
			}
			ch <- result{data: resp.Data}
		}(req, results[i])
	}

	for i := 0; i < 2; i++ {
		_, err = s.pump(s.b)
		c.Assert(err, IsNil)
	}
	for i := 0; i < 2; i++ {
		_, err = s.pump(s.a)
		c.Assert(err, IsNil)
	}

	r := <-results[0]
	c.Assert(r.err, IsNil)
	c.Assert(r.data, DeepEquals, []byte{1, 1, 1, 1})
	r = <-results[1]
	c.Assert(r.err, IsNil)
	c.Assert(r.data, DeepEquals, []byte{2, 2, 2, 2})
	c.Assert(s.a.engine.pending, HasLen, 0)
}

func (s *TestSuite) TestRMARequestIDStillAwaited(c *C) {
	req, _, err := s.a.engine.SendRMARequest(s.ctx, ecpri.RMARead, addrB, 0x100, 4, nil)
	c.Assert(err, IsNil)

	// Wrap the id counter onto the unanswered request.
	s.a.engine.nextRMAID = req.ID
	_, _, err = s.a.engine.SendRMARequest(s.ctx, ecpri.RMARead, addrB, 0x200, 4, nil)
	c.Assert(errors.Is(err, ErrRequestInFlight), Equals, true)
	_, ok := s.a.engine.awaitingLocked(req.key())
	c.Assert(ok, Equals, true)
	datagrams, _ := s.b.transport.Pending()
	c.Assert(datagrams, Equals, 1)
}

func (s *TestSuite) sendOversizedRead(c *C) {
	big := ecpri.RMAMessage{ID: 3, Flags: ecpri.RMARead | ecpri.RMARequest, Address: 0x100, Length: 0xffff}
	b, err := big.MarshalBinary()
	c.Assert(err, IsNil)
	_, err = s.a.transport.Send(ecpri.MessageTypeRemoteMemoryAccess, b, addrB)
	c.Assert(err, IsNil)
}

// A read whose response cannot fit one datagram never reaches the registers.
func (s *TestSuite) TestRMAOversizedReadRefused(c *C) {
	s.b.registers.SetError(errors.New("must not be read"))
	s.sendOversizedRead(c)

	n, err := s.pump(s.b)
	c.Assert(errors.Is(err, ErrInvalidRequest), Equals, true)
	c.Assert(n, Equals, 0)
	datagrams, _ := s.a.transport.Pending()
	c.Assert(datagrams, Equals, 0)
}

func (s *TestSuite) TestRMAOversizedReadFailureReply(c *C) {
	s.b = s.replace(c, s.b, Options{FailureReplies: true})
	s.sendOversizedRead(c)

	s.a.engine.lock.Lock()
	req := RMARequest{ID: 3, Op: ecpri.RMARead, Peer: addrB}
	_, err := s.a.engine.registerLocked(req.key())
	s.a.engine.lock.Unlock()
	c.Assert(err, IsNil)

	n, err := s.pump(s.b)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, ecpri.HeaderSize+ecpri.RMAHeaderSize)
	_, err = s.pump(s.a)
	c.Assert(err, IsNil)
	_, err = s.a.engine.AwaitRMAResponse(s.ctx, req)
	c.Assert(errors.Is(err, ErrRemoteFailure), Equals, true)
}

// Register failures still produce a normal response unless failure replies
// are enabled.
func (s *TestSuite) TestRMARegisterErrorStillReplies(c *C) {
	s.b.registers.SetError(errors.New("bus error"))

	req, _, err := s.a.engine.SendRMARequest(s.ctx, ecpri.RMARead, addrB, 0x100, 4, nil)
	c.Assert(err, IsNil)
	n, err := s.pump(s.b)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, ecpri.HeaderSize+ecpri.RMAHeaderSize+4)

	_, err = s.pump(s.a)
	c.Assert(err, IsNil)
	resp, err := s.a.engine.AwaitRMAResponse(s.ctx, req)
	c.Assert(err, IsNil)
	c.Assert(resp.Data, DeepEquals, []byte{0, 0, 0, 0})
}

func (s *TestSuite) TestRMAFailureReplies(c *C) {
	s.b = s.replace(c, s.b, Options{FailureReplies: true})
	s.b.registers.SetError(errors.New("bus error"))

	req, _, err := s.a.engine.SendRMARequest(s.ctx, ecpri.RMAWrite, addrB, 0x100, 1, []byte{1})
	c.Assert(err, IsNil)
	n, err := s.pump(s.b)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, ecpri.HeaderSize+ecpri.RMAHeaderSize)

	_, err = s.pump(s.a)
	c.Assert(err, IsNil)
	_, err = s.a.engine.AwaitRMAResponse(s.ctx, req)
	c.Assert(errors.Is(err, ErrRemoteFailure), Equals, true)
}

func (s *TestSuite) TestRMAReadWithLoops(c *C) {
	c.Assert(s.b.registers.Write(0x200, []byte{0x11, 0x22, 0x33, 0x44}), IsNil)

	ctx, cancel := context.WithCancel(s.ctx)
	loopA := NewLoop(s.a.engine)
	loopB := NewLoop(s.b.engine)
	go loopA.Run(ctx)
	go loopB.Run(ctx)

	data, err := s.a.engine.RMARead(s.ctx, addrB, 0x200, 4)
	c.Assert(err, IsNil)
	c.Assert(data, DeepEquals, []byte{0x11, 0x22, 0x33, 0x44})

	c.Assert(s.a.engine.RMAWrite(s.ctx, addrB, 0x204, []byte{0x55}), IsNil)
	buf := make([]byte, 1)
	c.Assert(s.b.registers.Read(0x204, buf), IsNil)
	c.Assert(buf, DeepEquals, []byte{0x55})

	c.Assert(s.a.engine.RemoteReset(s.ctx, addrB), IsNil)

	cancel()
	<-loopA.Done()
	<-loopB.Done()
}

func (s *TestSuite) TestRemoteReset(c *C) {
	type call struct {
		peer netip.AddrPort
		id   uint16
	}
	var calls []call
	s.b = s.replace(c, s.b, Options{ResetHandler: func(peer netip.AddrPort, id uint16) error {
		calls = append(calls, call{peer, id})
		return nil
	}})

	id, err := s.a.engine.SendResetRequest(s.ctx, addrB)
	c.Assert(err, IsNil)
	c.Assert(id, Equals, uint16(0))

	n, err := s.pump(s.b)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, ecpri.HeaderSize+ecpri.ResetMessageSize)
	c.Assert(calls, DeepEquals, []call{{addrA, 0}})

	_, err = s.pump(s.a)
	c.Assert(err, IsNil)
	c.Assert(s.a.engine.AwaitResetResponse(s.ctx, addrB, id), IsNil)

	id, err = s.a.engine.SendResetRequest(s.ctx, addrB)
	c.Assert(err, IsNil)
	c.Assert(id, Equals, uint16(1))
}

// No reset action is defined; the default handler only acknowledges.
func (s *TestSuite) TestRemoteResetDefaultIsNoop(c *C) {
	c.Assert(s.b.registers.Write(0, []byte{1, 2, 3, 4}), IsNil)

	id, err := s.a.engine.SendResetRequest(s.ctx, addrB)
	c.Assert(err, IsNil)
	_, err = s.pump(s.b)
	c.Assert(err, IsNil)
	_, err = s.pump(s.a)
	c.Assert(err, IsNil)
	c.Assert(s.a.engine.AwaitResetResponse(s.ctx, addrB, id), IsNil)

	buf := make([]byte, 4)
	c.Assert(s.b.registers.Read(0, buf), IsNil)
	c.Assert(buf, DeepEquals, []byte{1, 2, 3, 4})
}

func (s *TestSuite) TestRemoteResetMismatch(c *C) {
	id, err := s.a.engine.SendResetRequest(s.ctx, addrB)
	c.Assert(err, IsNil)

	for _, wrong := range []ecpri.ResetMessage{
		{ID: 5, CodeOp: ecpri.ResetCodeOpResponse},
		{ID: id, CodeOp: ecpri.ResetCodeOp(7)},
	} {
		b, err := wrong.MarshalBinary()
		c.Assert(err, IsNil)
		_, err = s.b.transport.Send(ecpri.MessageTypeRemoteReset, b, addrA)
		c.Assert(err, IsNil)

		_, err = s.pump(s.a)
		c.Assert(errors.Is(err, ErrResponseMismatch), Equals, true)
		_, ok := s.a.engine.awaitingLocked(resetKey(addrB, id))
		c.Assert(ok, Equals, true)
	}

	_, err = s.pump(s.b)
	c.Assert(err, IsNil)
	_, err = s.pump(s.a)
	c.Assert(err, IsNil)
	c.Assert(s.a.engine.AwaitResetResponse(s.ctx, addrB, id), IsNil)
}

// Outstanding requests to one peer are told apart by the id the response
// echoes, whatever order they are awaited in.
func (s *TestSuite) TestRemoteResetOutstandingToOnePeer(c *C) {
	first, err := s.a.engine.SendResetRequest(s.ctx, addrB)
	c.Assert(err, IsNil)
	second, err := s.a.engine.SendResetRequest(s.ctx, addrB)
	c.Assert(err, IsNil)
	c.Assert(first, Not(Equals), second)

	for i := 0; i < 2; i++ {
		_, err = s.pump(s.b)
		c.Assert(err, IsNil)
	}
	for i := 0; i < 2; i++ {
		_, err = s.pump(s.a)
		c.Assert(err, IsNil)
	}
	c.Assert(s.a.engine.AwaitResetResponse(s.ctx, addrB, second), IsNil)
	c.Assert(s.a.engine.AwaitResetResponse(s.ctx, addrB, first), IsNil)
	c.Assert(s.a.engine.pending, HasLen, 0)
}

func (s *TestSuite) TestTestMessage(c *C) {
	n, err := s.a.engine.SendTestMessage(s.ctx, addrB)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, ecpri.HeaderSize+ecpri.GenericHeaderSize)
	c.Assert(s.a.engine.Sequence(), Equals, int32(1))

	d, err := s.b.transport.Receive()
	c.Assert(err, IsNil)
	var msg ecpri.GenericMessage
	c.Assert(msg.UnmarshalBinary(d.Payload), IsNil)
	c.Assert(msg, Equals, ecpri.GenericMessage{PCID: 1, RequestID: 2, Sequence: 0})

	s.a.engine.sequence = math.MaxInt32
	_, err = s.a.engine.SendTestMessage(s.ctx, addrB)
	c.Assert(err, IsNil)
	c.Assert(s.a.engine.Sequence(), Equals, int32(math.MinInt32))

	n, err = s.pump(s.b)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, ecpri.GenericHeaderSize)
}

func (s *TestSuite) TestUnhandledMessageType(c *C) {
	hook := test.NewGlobal()
	defer hook.Reset()

	before := s.b.engine.OWDMStatus()
	seq := s.b.engine.Sequence()

	for _, t := range []ecpri.MessageType{
		ecpri.MessageTypeIQData,
		ecpri.MessageTypeBitSequence,
		ecpri.MessageTypeRTCData,
		ecpri.MessageTypeEvent,
		ecpri.MessageType(0x42),
	} {
		hook.Reset()
		_, err := s.a.transport.Send(t, []byte{1, 2, 3}, addrB)
		c.Assert(err, IsNil)

		n, err := s.pump(s.b)
		c.Assert(err, IsNil)
		c.Assert(n, Equals, 0)
		c.Assert(hook.LastEntry(), NotNil)
		c.Assert(hook.LastEntry().Level, Equals, logrus.InfoLevel)
		c.Assert(hook.LastEntry().Message, Equals, "Unhandled eCPRI message")
	}

	c.Assert(s.b.engine.OWDMStatus(), DeepEquals, before)
	c.Assert(s.b.engine.Sequence(), Equals, seq)
	c.Assert(s.b.engine.pending, HasLen, 0)
	c.Assert(s.b.engine.saved, IsNil)
}

func (s *TestSuite) TestErrorEventDrainsTimestamp(c *C) {
	_, err := s.a.engine.SendTestMessage(s.ctx, addrB)
	c.Assert(err, IsNil)
	_, stamps := s.a.transport.Pending()
	c.Assert(stamps, Equals, 1)

	_, err = s.a.engine.HandleIncomingMessage(s.ctx, types.EventError)
	c.Assert(err, IsNil)
	_, stamps = s.a.transport.Pending()
	c.Assert(stamps, Equals, 0)

	// Nothing left to drain is not an error.
	_, err = s.a.engine.HandleIncomingMessage(s.ctx, types.EventError)
	c.Assert(err, IsNil)
}

func (s *TestSuite) TestNothingQueued(c *C) {
	n, err := s.pump(s.a)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 0)

	n, err = s.a.engine.HandleIncomingMessage(s.ctx, types.EventNone)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 0)
}

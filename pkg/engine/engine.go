package engine

import (
	"net/netip"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xilinx/xroe-ecpri/pkg/ecpri"
	"github.com/xilinx/xroe-ecpri/pkg/metrics"
	"github.com/xilinx/xroe-ecpri/pkg/transport"
	"github.com/xilinx/xroe-ecpri/pkg/types"
)

var (
	ErrUnsupportedAction   = errors.New("unsupported OWDM action")
	ErrResponseMismatch    = errors.New("response does not match request")
	ErrMeasurementInFlight = errors.New("an OWDM measurement is already in flight")
	ErrRequestInFlight     = errors.New("request id is still awaiting a response")
	ErrRemoteFailure       = errors.New("peer reported failure")
	ErrInvalidRequest      = errors.New("invalid request")

	// ErrTimeout is shared with the transport so one check covers both a
	// missing TX timestamp and a peer that never answered.
	ErrTimeout = transport.ErrTimeout
)

const (
	DefaultTimestampTimeout = transport.DefaultTimestampTimeout
	DefaultResponseTimeout  = 4 * time.Second
	DefaultOWDMTimeout      = 4 * time.Second
)

// ResetHandler performs the local side effect of a remote reset request.
type ResetHandler func(peer netip.AddrPort, id uint16) error

// NoopReset acknowledges a remote reset without doing anything. The framer
// has no defined reset sequence.
func NoopReset(peer netip.AddrPort, id uint16) error {
	logrus.WithFields(logrus.Fields{
		"peer": peer,
		"id":   id,
	}).Info("Remote reset requested, no reset action is defined")
	return nil
}

type Options struct {
	Transport types.Transport
	Registers types.RegisterAccessor
	Trigger   types.Trigger
	Clock     types.Clock
	Metrics   *metrics.Metrics

	TimestampTimeout time.Duration
	ResponseTimeout  time.Duration
	OWDMTimeout      time.Duration

	// FailureReplies answers a request whose register access failed with the
	// FAIL flag instead of a normal response.
	FailureReplies bool

	ResetHandler ResetHandler
	Compensation [8]byte
	ReportLimit  int64
}

// Engine is the eCPRI protocol state of one node. Every operation runs under
// lock, so a handshake sequence is never interleaved with dispatch.
type Engine struct {
	lock sync.Mutex

	transport types.Transport
	registers types.RegisterAccessor
	trigger   types.Trigger
	clock     types.Clock
	metrics   *metrics.Metrics

	timestampTimeout time.Duration
	responseTimeout  time.Duration
	owdmTimeout      time.Duration
	failureReplies   bool
	resetHandler     ResetHandler

	// OWDM
	requests     int
	nextOWDMID   uint8
	inFlight     *measurement
	saved        *owdmSample
	result       OWDMResult
	compensation [8]byte
	reportLimit  int64

	// RMA and remote reset
	nextRMAID   uint8
	nextResetID uint16
	pending     map[pendingKey]*pendingResponse

	// generic data
	sequence int32
}

func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.Wrap(ErrInvalidRequest, "engine requires a transport")
	}
	if opts.ReportLimit < 0 {
		return nil, errors.Wrapf(ErrInvalidRequest, "negative report limit %d", opts.ReportLimit)
	}
	e := &Engine{
		transport:        opts.Transport,
		registers:        opts.Registers,
		trigger:          opts.Trigger,
		clock:            opts.Clock,
		metrics:          opts.Metrics,
		timestampTimeout: opts.TimestampTimeout,
		responseTimeout:  opts.ResponseTimeout,
		owdmTimeout:      opts.OWDMTimeout,
		failureReplies:   opts.FailureReplies,
		resetHandler:     opts.ResetHandler,
		compensation:     opts.Compensation,
		reportLimit:      opts.ReportLimit,
		pending:          map[pendingKey]*pendingResponse{},
	}
	if e.clock == nil {
		e.clock = transport.SystemClock{}
	}
	if e.timestampTimeout <= 0 {
		e.timestampTimeout = DefaultTimestampTimeout
	}
	if e.responseTimeout <= 0 {
		e.responseTimeout = DefaultResponseTimeout
	}
	if e.owdmTimeout <= 0 {
		e.owdmTimeout = DefaultOWDMTimeout
	}
	if e.resetHandler == nil {
		e.resetHandler = NoopReset
	}
	return e, nil
}

func (e *Engine) Transport() types.Transport {
	return e.transport
}

// send encodes and transmits one message. Must be called with e.lock held.
func (e *Engine) send(msgType ecpri.MessageType, m interface{ MarshalBinary() ([]byte, error) }, dest netip.AddrPort) (int, error) {
	payload, err := m.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := e.transport.Send(msgType, payload, dest)
	if err != nil {
		return 0, err
	}
	e.metrics.Sent(msgType.String())
	return n, nil
}

// rxTimestamp is the receive time of d, from the kernel when it delivered one
// and from the local clock otherwise.
func (e *Engine) rxTimestamp(d *types.Datagram) ecpri.Timestamp {
	if d.HasTimestamp {
		return d.Timestamp
	}
	return e.clock.Now()
}

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xilinx/xroe-ecpri/pkg/ecpri"
)

var (
	ErrWouldBlock          = errors.New("no datagram queued")
	ErrSocketIO            = errors.New("socket I/O error")
	ErrShortControlMessage = errors.New("short socket control message")
	ErrNoTimestamp         = errors.New("no timestamp in socket control message")
	ErrTimeout             = errors.New("timed out")
	ErrClosed              = errors.New("transport closed")
)

const (
	// DefaultTimestampTimeout bounds the wait for a TX timestamp to show up on
	// the error queue after a send.
	DefaultTimestampTimeout = 100 * time.Millisecond

	maxDatagramSize   = 65536
	controlBufferSize = 256
)

// contextError maps an expired context onto ErrTimeout so callers only have to
// check one sentinel.
func contextError(ctx context.Context, what string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrapf(ErrTimeout, "waiting for %s", what)
	}
	return ctx.Err()
}

// SystemClock reads the realtime clock.
type SystemClock struct{}

func (SystemClock) Now() ecpri.Timestamp {
	return ecpri.NewTimestamp(time.Now())
}

// ManualClock returns a fixed time that advances by Step after every read.
type ManualClock struct {
	lock sync.Mutex
	now  ecpri.Timestamp
	Step time.Duration
}

func NewManualClock(start ecpri.Timestamp, step time.Duration) *ManualClock {
	return &ManualClock{
		now:  start,
		Step: step,
	}
}

func (c *ManualClock) Now() ecpri.Timestamp {
	c.lock.Lock()
	defer c.lock.Unlock()
	now := c.now
	c.now = c.now.Add(c.Step)
	return now
}

func (c *ManualClock) Set(ts ecpri.Timestamp) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = ts
}

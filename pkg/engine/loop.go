package engine

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/xilinx/xroe-ecpri/pkg/types"
)

// Loop waits for readiness of the engine transport and dispatches every
// event to the engine. Errors are logged and never stop the loop.
type Loop struct {
	engine *Engine
	done   chan struct{}
}

func NewLoop(e *Engine) *Loop {
	return &Loop{
		engine: e,
		done:   make(chan struct{}),
	}
}

// Run returns when ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	b := &backoff.Backoff{
		Min:    10 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
		Jitter: false,
	}
	transport := l.engine.Transport()
	for {
		event, err := transport.Wait(ctx)
		if ctx.Err() != nil {
			logrus.Info("eCPRI dispatch loop stopped")
			return nil
		}
		if err != nil {
			delay := b.Duration()
			logrus.WithError(err).Errorf("Failed to wait for eCPRI socket, retrying in %v", delay)
			select {
			case <-ctx.Done():
				logrus.Info("eCPRI dispatch loop stopped")
				return nil
			case <-time.After(delay):
			}
			continue
		}
		b.Reset()

		if event == types.EventNone {
			continue
		}
		if _, err := l.engine.HandleIncomingMessage(ctx, event); err != nil {
			logrus.WithError(err).WithField("event", event).Warn("Failed to handle eCPRI message")
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

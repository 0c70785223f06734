package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSendTimeout bounds one background delivery.
const DefaultSendTimeout = 30 * time.Second

// Dispatcher delivers notifications on their own goroutine, so a slow mail
// server never holds a ledger transaction or an HTTP response.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher wraps sink. A zero timeout uses DefaultSendTimeout.
func NewDispatcher(sink Sink, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Dispatcher{sink: sink, timeout: timeout, logger: logger}
}

// Send queues one notification and returns immediately. Cancelling ctx does
// not abort the delivery; failures are logged.
func (d *Dispatcher) Send(ctx context.Context, kind Kind, recipient string, payload Payload) {
	if d == nil || d.sink == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		if err := d.sink.Notify(ctx, kind, recipient, payload); err != nil {
			d.logger.Warn().
				Err(err).
				Str("kind", string(kind)).
				Str("request_id", payload.RequestID).
				Str("investor", payload.InvestorName).
				Msg("Notification failed")
		}
	}()
}

// Wait blocks until every queued notification has been attempted.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

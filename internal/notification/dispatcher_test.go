package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatedSink struct {
	release chan struct{}

	mu       sync.Mutex
	kinds    []Kind
	ctxErr   error
	deadline bool
}

func (g *gatedSink) Notify(ctx context.Context, kind Kind, recipient string, payload Payload) error {
	<-g.release
	_, hasDeadline := ctx.Deadline()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.kinds = append(g.kinds, kind)
	g.ctxErr = ctx.Err()
	g.deadline = hasDeadline
	return errors.New("smtp down")
}

func TestDispatcherSendReturnsBeforeDelivery(t *testing.T) {
	sink := &gatedSink{release: make(chan struct{})}
	d := NewDispatcher(sink, time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	d.Send(ctx, KindRequestApproved, "ana@example.com", Payload{RequestID: "req-1"})
	d.Send(ctx, KindTradingFeeApplied, "ana@example.com", Payload{})
	cancel()

	sink.mu.Lock()
	assert.Empty(t, sink.kinds)
	sink.mu.Unlock()

	close(sink.release)
	d.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.kinds, 2)
	assert.ElementsMatch(t, []Kind{KindRequestApproved, KindTradingFeeApplied}, sink.kinds)
	assert.NoError(t, sink.ctxErr, "caller cancellation must not reach the sink")
	assert.True(t, sink.deadline, "every delivery is bounded")
}

func TestNilDispatcherIsNoop(t *testing.T) {
	var d *Dispatcher
	d.Send(context.Background(), KindRequestRejected, "x@example.com", Payload{})
	d.Wait()

	NewDispatcher(nil, 0, zerolog.Nop()).Send(context.Background(), KindRequestRejected, "x@example.com", Payload{})
}

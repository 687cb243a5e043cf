package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmonitor/go-collector/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStream struct {
	events chan model.Event
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan model.Event, 64), done: make(chan struct{})}
}

func (f *fakeStream) Events() <-chan model.Event { return f.events }
func (f *fakeStream) Done() <-chan struct{}      { return f.done }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeStream) lose(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func recv(t *testing.T, ch <-chan model.Event) model.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "feed closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return model.Event{}
	}
}

func TestBackOffDoublesUpToCap(t *testing.T) {
	bo := NewBackOff(BackoffConfig{})

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, bo.NextBackOff(), "attempt %d", i+1)
	}

	bo.Reset()
	assert.Equal(t, time.Second, bo.NextBackOff())
}

func TestConnectionBackoffResetsAfterConnect(t *testing.T) {
	ep := model.Endpoint{Host: "gw.local", Port: 1883}

	var (
		mu          sync.Mutex
		calls       int
		delays      []time.Duration
		transitions []Transition
	)
	streams := make(chan *fakeStream, 4)

	dialer := DialerFunc(func(ctx context.Context, _ model.Endpoint) (Stream, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 3 {
			return nil, errors.New("connection refused")
		}
		s := newFakeStream()
		streams <- s
		return s, nil
	})

	c := NewConnection(ep, dialer,
		WithLogger(discardLogger()),
		WithObserver(func(tr Transition) {
			mu.Lock()
			transitions = append(transitions, tr)
			mu.Unlock()
		}),
	)
	c.waitFn = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan model.Event, 16)
	done := make(chan struct{})
	go func() {
		c.Run(ctx, out)
		close(done)
	}()

	ev := recv(t, out)
	assert.Equal(t, model.EventConnectionEstablished, ev.Kind)
	assert.Equal(t, "gw.local:1883", ev.Endpoint)

	s := <-streams
	s.events <- model.Event{Kind: model.EventTextReceived, Payload: model.TextMessage{Text: "one"}}
	s.events <- model.Event{Kind: model.EventTextReceived, Payload: model.TextMessage{Text: "two"}}
	s.lose(errors.New("connection reset"))

	// buffered events are delivered before the loss
	assert.Equal(t, "one", recv(t, out).Payload.(model.TextMessage).Text)
	assert.Equal(t, "two", recv(t, out).Payload.(model.TextMessage).Text)
	assert.Equal(t, model.EventConnectionLost, recv(t, out).Kind)
	assert.Equal(t, model.EventConnectionEstablished, recv(t, out).Kind)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("connection did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, time.Second}, delays)
	assert.Equal(t, StateStopped, c.Status().State)
	require.NotEmpty(t, transitions)
	assert.Equal(t, StateStopped, transitions[len(transitions)-1].To)

	var failures int
	for _, tr := range transitions {
		if tr.To == StateDisconnected && tr.Err != nil {
			failures++
			assert.True(t, ConnectError.Has(tr.Err))
		}
	}
	assert.Equal(t, 4, failures)
}

func TestConnectionStopsDuringBackoff(t *testing.T) {
	dialer := DialerFunc(func(ctx context.Context, _ model.Endpoint) (Stream, error) {
		return nil, errors.New("no route to host")
	})
	c := NewConnection(model.Endpoint{Host: "10.1.1.1", Port: 1883}, dialer,
		WithLogger(discardLogger()),
		WithBackoff(BackoffConfig{Initial: time.Hour, Max: time.Hour}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, make(chan model.Event, 1))
		close(done)
	}()

	require.Eventually(t, func() bool { return c.Status().State == StateBackoff }, 2*time.Second, 5*time.Millisecond)
	st := c.Status()
	assert.Equal(t, 1, st.Attempt)
	assert.Contains(t, st.LastError, "no route to host")
	assert.False(t, st.NextRetry.IsZero())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("backoff wait was not cancelled")
	}
	assert.Equal(t, StateStopped, c.Status().State)
}

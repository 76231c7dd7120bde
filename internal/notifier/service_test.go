package notifier

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"bosstracker/internal/channel"
	"bosstracker/internal/eventbus"
	logx "bosstracker/pkg/logx"
)

// fakeChannel records sends and replays scripted errors, one per call.
type fakeChannel struct {
	mu       sync.Mutex
	sent     []string
	errs     []error
	readBack bool
	// deliverOnErr stores the message even when the scripted error is returned.
	deliverOnErr bool
	block        chan struct{}
}

func (f *fakeChannel) Name() string      { return "fake" }
func (f *fakeChannel) CanReadBack() bool { return f.readBack }

func (f *fakeChannel) Send(ctx context.Context, text string) (channel.MessageRef, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return channel.MessageRef{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if err != nil && !f.deliverOnErr {
		return channel.MessageRef{}, err
	}
	f.sent = append(f.sent, text)
	if err != nil {
		return channel.MessageRef{}, err
	}
	return channel.MessageRef{ID: strconv.Itoa(len(f.sent)), At: time.Now().UTC()}, nil
}

func (f *fakeChannel) Recent(context.Context, channel.Query) ([]channel.Message, error) {
	if !f.readBack {
		return nil, channel.ErrNoHistory
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]channel.Message, 0, len(f.sent))
	for i := len(f.sent) - 1; i >= 0; i-- {
		out = append(out, channel.Message{
			MessageRef: channel.MessageRef{ID: strconv.Itoa(i + 1), At: time.Now().UTC()},
			Content:    f.sent[i],
		})
	}
	return out, nil
}

func (f *fakeChannel) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func testConfig() Config {
	return Config{
		QueueSize:     8,
		RatePerSec:    1000,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		SendTimeout:   time.Second,
	}
}

func startService(t *testing.T, cfg Config, ch channel.Channel, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, ch, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestSendPreservesOrder(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{}
	s := startService(t, testConfig(), ch, nil)

	var outs []<-chan Outcome
	for _, text := range []string{"a", "b", "c"} {
		o, err := s.Submit(context.Background(), text)
		if err != nil {
			t.Fatalf("Submit(%q): %v", text, err)
		}
		outs = append(outs, o)
	}
	for i, o := range outs {
		got := <-o
		if got.Err != nil || got.Attempts != 1 || got.Ref.ID != strconv.Itoa(i+1) {
			t.Fatalf("outcome %d = %+v", i, got)
		}
	}
	if got := ch.messages(); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("sent = %v", got)
	}
}

func TestRetriesTransportErrors(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{errs: []error{
		&channel.TransportError{Op: "send", Status: 502},
		&channel.TransportError{Op: "send", Status: 429},
	}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "notifier.")
	defer unsub()
	s := startService(t, testConfig(), ch, bus)

	got := s.Send(context.Background(), "Trakanon was killed")
	if got.Err != nil || got.Attempts != 3 {
		t.Fatalf("outcome = %+v", got)
	}
	if len(ch.messages()) != 1 {
		t.Fatalf("sent = %v", ch.messages())
	}
	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if len(types) != 2 || types[0] != eventbus.TypeQueued || types[1] != eventbus.TypeSent {
		t.Fatalf("events = %v", types)
	}
}

func TestRejectedIsNotRetried(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{errs: []error{channel.Rejected(400, "bad")}}
	s := startService(t, testConfig(), ch, nil)

	got := s.Send(context.Background(), "x")
	if !errors.Is(got.Err, channel.ErrRejected) || got.Attempts != 1 {
		t.Fatalf("outcome = %+v", got)
	}
}

func TestGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()
	var errs []error
	for i := 0; i < 10; i++ {
		errs = append(errs, &channel.TransportError{Op: "send", Status: 503})
	}
	ch := &fakeChannel{errs: errs}
	cfg := testConfig()
	cfg.RetryMax = 2
	s := startService(t, cfg, ch, nil)

	got := s.Send(context.Background(), "x")
	if got.Err == nil || got.Attempts != 3 {
		t.Fatalf("outcome = %+v", got)
	}
}

func TestAmbiguousFailureConfirmedByReadBack(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{
		errs:         []error{&channel.TransportError{Op: "send", Ambiguous: true, Err: context.DeadlineExceeded}},
		readBack:     true,
		deliverOnErr: true,
	}
	s := startService(t, testConfig(), ch, nil)

	got := s.Send(context.Background(), "Lady Vox was killed")
	if got.Err != nil || !got.Verified || got.Attempts != 1 {
		t.Fatalf("outcome = %+v", got)
	}
	if n := len(ch.messages()); n != 1 {
		t.Fatalf("message posted %d times", n)
	}
}

func TestAmbiguousWithoutReadBackRetries(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{errs: []error{&channel.TransportError{Op: "send", Ambiguous: true, Err: context.DeadlineExceeded}}}
	s := startService(t, testConfig(), ch, nil)

	got := s.Send(context.Background(), "x")
	if got.Err != nil || got.Verified || got.Attempts != 2 {
		t.Fatalf("outcome = %+v", got)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{block: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 1
	s := startService(t, cfg, ch, nil)
	defer close(ch.block)

	first, err := s.Submit(context.Background(), "first")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	// Wait until the worker holds the first job so the queue slot is free.
	deadline := time.Now().Add(2 * time.Second)
	for s.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := s.Submit(context.Background(), "second"); err != nil {
		t.Fatalf("second: %v", err)
	}
	if _, err := s.Submit(context.Background(), "third"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third err = %v", err)
	}
	_ = first
}

func TestStopFailsQueuedAfterDeadline(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{block: make(chan struct{})}
	s := New(testConfig(), ch, logx.Nop(), nil)
	s.Start(context.Background())

	first, _ := s.Submit(context.Background(), "first")
	deadline := time.Now().Add(2 * time.Second)
	for s.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	second, err := s.Submit(context.Background(), "second")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Stop(ctx)

	if o := <-first; o.Err == nil {
		t.Fatalf("in-flight outcome = %+v", o)
	}
	if o := <-second; !errors.Is(o.Err, ErrStopped) {
		t.Fatalf("queued outcome = %+v", o)
	}
	if _, err := s.Submit(context.Background(), "late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop = %v", err)
	}
}

func TestStopDrainsBeforeDeadline(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{}
	s := New(testConfig(), ch, logx.Nop(), nil)
	s.Start(context.Background())

	var outs []<-chan Outcome
	for i := 0; i < 5; i++ {
		o, err := s.Submit(context.Background(), "m"+strconv.Itoa(i))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		outs = append(outs, o)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	for _, o := range outs {
		if got := <-o; got.Err != nil {
			t.Fatalf("outcome = %+v", got)
		}
	}
	if n := len(ch.messages()); n != 5 {
		t.Fatalf("sent %d, want 5", n)
	}
}

func TestSendWithdrawsQueuedMessage(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{block: make(chan struct{})}
	s := startService(t, testConfig(), ch, nil)

	first, err := s.Submit(context.Background(), "first")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if o := s.Send(ctx, "second"); !errors.Is(o.Err, context.DeadlineExceeded) {
		t.Fatalf("withdrawn outcome = %+v", o)
	}
	close(ch.block)
	if o := <-first; o.Err != nil {
		t.Fatalf("first outcome = %+v", o)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if got := ch.messages(); len(got) != 1 || got[0] != "first" {
		t.Fatalf("sent = %v", got)
	}
}

func TestSendWaitsForStartedDelivery(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{block: make(chan struct{})}
	s := startService(t, testConfig(), ch, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := make(chan Outcome, 1)
	go func() { res <- s.Send(ctx, "Lady Vox was killed") }()

	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	close(ch.block)
	select {
	case o := <-res:
		if o.Err != nil || o.Ref.ID != "1" {
			t.Fatalf("outcome = %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return")
	}
}

package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"bosstracker/internal/channel"
	"bosstracker/internal/eventbus"
	rtsup "bosstracker/internal/runtime/supervisor"
	logx "bosstracker/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")

	errDeliveryAborted = errors.New("delivery aborted")
)

const (
	jobQueued int32 = iota
	jobTaken
	jobWithdrawn
)

type job struct {
	text  string
	key   string
	done  chan Outcome
	state *atomic.Int32
}

// take claims j for delivery. It fails once the submitter has withdrawn it.
func (j job) take() bool { return j.state.CompareAndSwap(jobQueued, jobTaken) }

// withdraw cancels j if the worker has not picked it up yet.
func (j job) withdraw() bool { return j.state.CompareAndSwap(jobQueued, jobWithdrawn) }

// run is one Start..Stop cycle.
type run struct {
	queue    chan job
	sup      *rtsup.Supervisor
	submits  sync.WaitGroup
	closing  bool
	finished chan struct{}
}

// Service is the delivery pipeline. It is safe for concurrent use.
type Service struct {
	log logx.Logger
	ch  channel.Channel
	bus eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	cur     *run
}

func New(cfg Config, ch channel.Channel, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{ch: ch, log: log, bus: bus}
	s.cfg, s.limiter = withDefaults(cfg)
	return s
}

func withDefaults(cfg Config) (Config, *rate.Limiter) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.VerifyLimit <= 0 {
		cfg.VerifyLimit = 20
	}
	return cfg, rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(int(cfg.RatePerSec), 1))
}

// Apply swaps rate and retry settings. QueueSize applies from the next Start.
func (s *Service) Apply(cfg Config) {
	cfg, lim := withDefaults(cfg)
	s.mu.Lock()
	s.cfg, s.limiter = cfg, lim
	s.mu.Unlock()
}

// Supervisor is the current worker supervisor, or nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

// Start launches the worker. A Start during Stop waits for the drain first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		r := s.cur
		if r == nil {
			break
		}
		closing := r.closing
		s.mu.Unlock()
		if !closing {
			return
		}
		select {
		case <-r.finished:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	r := &run{
		queue:    make(chan job, s.cfg.QueueSize),
		finished: make(chan struct{}),
		sup: rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		),
	}
	s.cur = r
	// A panicking send restarts the worker; closing the queue ends it.
	r.sup.GoRestart("worker", func(c context.Context) error {
		s.work(c, r.queue)
		return nil
	}, rtsup.WithPublishFirstError(true))
}

func (s *Service) work(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			if !j.take() {
				s.publish(eventbus.TypeDropped, j.key, 0, context.Canceled)
				continue
			}
			s.handle(ctx, j)
		}
	}
}

// handle answers a taken job even when delivery panics; Send waits on it.
func (s *Service) handle(ctx context.Context, j job) {
	out := Outcome{Err: errDeliveryAborted}
	defer func() { j.done <- out }()
	out = s.deliver(ctx, j)
}

// Stop refuses new messages and drains the queue until ctx is done; whatever
// is still queued then completes with ErrStopped. Every accepted message has
// an outcome by the time Stop returns.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		return
	}
	already := r.closing
	r.closing = true
	s.mu.Unlock()

	if !already {
		go s.finish(r)
	}
	select {
	case <-r.finished:
		return
	case <-ctx.Done():
	}
	if already {
		return
	}
	s.log.Warn("drain deadline reached; failing queued messages", logx.Int("queued", len(r.queue)))
	r.sup.Cancel()
	<-r.finished
}

func (s *Service) finish(r *run) {
	r.submits.Wait()
	close(r.queue)
	_ = r.sup.Wait(context.Background())
	for j := range r.queue {
		if !j.take() {
			continue
		}
		s.publish(eventbus.TypeDropped, j.key, 0, ErrStopped)
		j.done <- Outcome{Err: ErrStopped}
	}
	s.mu.Lock()
	if s.cur == r {
		s.cur = nil
	}
	s.mu.Unlock()
	close(r.finished)
}

// Submit enqueues text without blocking. The returned channel receives
// exactly one Outcome.
func (s *Service) Submit(ctx context.Context, text string) (<-chan Outcome, error) {
	j, err := s.submit(ctx, text)
	if err != nil {
		return nil, err
	}
	return j.done, nil
}

func (s *Service) submit(ctx context.Context, text string) (job, error) {
	if ctx != nil && ctx.Err() != nil {
		return job{}, ctx.Err()
	}
	if text = strings.TrimSpace(text); text == "" {
		return job{}, errors.New("empty message")
	}

	s.mu.Lock()
	r := s.cur
	if r == nil || r.closing {
		s.mu.Unlock()
		return job{}, ErrStopped
	}
	r.submits.Add(1)
	s.mu.Unlock()
	defer r.submits.Done()

	j := job{text: text, key: messageKey(text), done: make(chan Outcome, 1), state: new(atomic.Int32)}
	select {
	case r.queue <- j:
		s.publish(eventbus.TypeQueued, j.key, 0, nil)
		return j, nil
	default:
		s.publish(eventbus.TypeDropped, j.key, 0, ErrQueueFull)
		return job{}, ErrQueueFull
	}
}

// Send submits text and waits for its outcome. When ctx ends first, a message
// still queued is withdrawn and never sent; one already being delivered is
// waited for, so the outcome always says whether the channel got it.
func (s *Service) Send(ctx context.Context, text string) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	j, err := s.submit(ctx, text)
	if err != nil {
		return Outcome{Err: err}
	}
	select {
	case o := <-j.done:
		return o
	case <-ctx.Done():
	}
	if j.withdraw() {
		return Outcome{Err: ctx.Err()}
	}
	return <-j.done
}

// Pending counts queued messages not yet picked up by the worker.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return len(s.cur.queue)
}

func (s *Service) publish(typ, key string, attempts int, err error) {
	if s.bus == nil {
		return
	}
	ev := NotificationEvent{Key: key, At: time.Now(), Attempts: attempts}
	if s.ch != nil {
		ev.Channel = s.ch.Name()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "bosstracker/pkg/logx"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// stepper runs shutdown steps with an upper bound each so one component
// can't stall the whole stop.
type stepper struct {
	ctx  context.Context
	log  logx.Logger
	errs []error
}

func newStepper(ctx context.Context, log logx.Logger) *stepper {
	if ctx == nil {
		ctx = context.Background()
	}
	return &stepper{ctx: ctx, log: log}
}

func (s *stepper) err() error { return errors.Join(s.errs...) }

// run calls fn with a context bounded by limit and by the overall stop
// deadline. A step that ignores its context is abandoned, not waited for.
func (s *stepper) run(name string, limit time.Duration, fn func(context.Context) error) {
	log := s.log.With(logx.String("step", name))
	if dl, ok := s.ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	ctx, cancel := context.WithTimeout(s.ctx, max(limit, time.Millisecond))
	defer cancel()

	began := time.Now()
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- fn(ctx)
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ctx.Err()
		go func() {
			late := <-result
			log.Warn("step finished after being abandoned", logx.Duration("took", time.Since(began)), logx.Err(late))
		}()
	}
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: %w", name, err))
		log.Warn("stop step failed", logx.Duration("took", time.Since(began)), logx.Err(err))
		return
	}
	log.Debug("stop step done", logx.Duration("took", time.Since(began)))
}

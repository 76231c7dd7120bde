package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"bosstracker/internal/channel"
	"bosstracker/internal/eventbus"
	logx "bosstracker/pkg/logx"
)

// verifySkew tolerates clock drift between this host and the channel when
// matching read-back messages against an ambiguous attempt.
const verifySkew = time.Minute

// deliver makes up to 1+RetryMax attempts. Rejections end it at once; an
// ambiguous failure is checked against the channel before the next attempt.
func (s *Service) deliver(ctx context.Context, j job) Outcome {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()
	if s.ch == nil {
		return s.failed(j, 0, errors.New("no channel configured"))
	}

	var err error
	attempt := 0
	for attempt < 1+cfg.RetryMax {
		if werr := lim.Wait(ctx); werr != nil {
			return s.failed(j, attempt, fmt.Errorf("%w: %v", ErrStopped, werr))
		}
		attempt++

		began := time.Now()
		sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		var ref channel.MessageRef
		ref, err = s.ch.Send(sendCtx, j.text)
		cancel()
		if err == nil {
			return s.delivered(j, ref, attempt, false)
		}
		s.log.Debug("send attempt failed", logx.Int("attempt", attempt), logx.Err(err))

		if errors.Is(err, channel.ErrRejected) {
			break
		}
		if channel.IsAmbiguous(err) {
			if ref, ok := s.readBack(ctx, cfg, j.text, began); ok {
				s.log.Info("ambiguous send found in channel", logx.String("id", ref.ID))
				return s.delivered(j, ref, attempt, true)
			}
		}
		if attempt > cfg.RetryMax || ctx.Err() != nil {
			break
		}

		wait := max(backoff(cfg, attempt), channel.RetryAfter(err))
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return s.failed(j, attempt, fmt.Errorf("%w: %v", ErrStopped, err))
		}
	}
	return s.failed(j, attempt, err)
}

func (s *Service) delivered(j job, ref channel.MessageRef, attempts int, verified bool) Outcome {
	s.publish(eventbus.TypeSent, j.key, attempts, nil)
	return Outcome{Ref: ref, Attempts: attempts, Verified: verified}
}

func (s *Service) failed(j job, attempts int, err error) Outcome {
	s.publish(eventbus.TypeFailed, j.key, attempts, err)
	s.log.Warn("notification failed", logx.Int("attempts", attempts), logx.Err(err))
	return Outcome{Attempts: attempts, Err: err}
}

// readBack searches recent channel messages for text posted since began.
func (s *Service) readBack(ctx context.Context, cfg Config, text string, began time.Time) (channel.MessageRef, bool) {
	if ctx.Err() != nil || !s.ch.CanReadBack() {
		return channel.MessageRef{}, false
	}
	rctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	since := began.Add(-verifySkew)
	msgs, err := s.ch.Recent(rctx, channel.Query{Limit: cfg.VerifyLimit, Since: since})
	if err != nil {
		s.log.Debug("read-back failed", logx.Err(err))
		return channel.MessageRef{}, false
	}
	for _, m := range msgs {
		if !m.At.Before(since) && strings.TrimSpace(m.Content) == text {
			return m.MessageRef, true
		}
	}
	return channel.MessageRef{}, false
}

// backoff is the wait after the given failed attempt: RetryBase doubled per
// attempt, capped at RetryMaxDelay, with ±30% jitter.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

func messageKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 16)
}

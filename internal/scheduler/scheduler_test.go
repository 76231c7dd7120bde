package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "bosstracker/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw   string
		cron  string
		every time.Duration
	}{
		{raw: "0 */12 * * *", cron: "0 */12 * * *"},
		{raw: "  0  6 * * * ", cron: "0 6 * * *"},
		{raw: "@daily", cron: "@daily"},
		{raw: "12h", every: 12 * time.Hour},
		{raw: "45s", every: 45 * time.Second},
		{raw: "01:30", every: 90 * time.Minute},
		{raw: "168:00", every: 168 * time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.raw)
		if err != nil {
			t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
		}
		if got.Cron != tt.cron || got.Every != tt.every {
			t.Fatalf("ParseSchedule(%q) = %+v", tt.raw, got)
		}
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "01:75", "1:5", "-5m"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) accepted", raw)
		}
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.AddCron("x", "not cron", 0, job); err == nil {
		t.Fatal("bad cron accepted")
	}
	if err := s.AddInterval("", time.Hour, 0, job); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.AddInterval("x", 0, 0, job); err == nil {
		t.Fatal("zero interval accepted")
	}
}

func TestRunNowSkipsOverlap(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	release := make(chan struct{})
	var runs atomic.Int32
	if err := s.AddInterval("reconcile", 12*time.Hour, time.Minute, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return errors.New("remote down")
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	if s.RunNow("reconcile") {
		t.Fatal("RunNow before Start should not run")
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if !s.RunNow("reconcile") {
		t.Fatal("first RunNow refused")
	}
	if s.RunNow("reconcile") {
		t.Fatal("overlapping RunNow accepted")
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := s.Snapshot()
		if len(snap.Schedules) == 1 && !snap.Schedules[0].Running && snap.Schedules[0].LastErr != "" {
			it := snap.Schedules[0]
			if it.Runs != 1 || it.Skipped != 1 || it.LastErr != "remote down" || it.Next.IsZero() {
				t.Fatalf("schedule = %+v", it)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish: %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if snap := s.Snapshot(); snap.Timezone != "UTC" || !snap.Running {
		t.Fatalf("snapshot = %+v", snap)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestUpsertByName(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	job := func(context.Context) error { return nil }
	_ = s.AddInterval("reconcile", time.Hour, 0, job)
	_ = s.AddSchedule("reconcile", "0 */6 * * *", 0, job)
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "0 */6 * * *" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if !s.Remove("reconcile") || s.Remove("reconcile") {
		t.Fatal("Remove")
	}
}

func TestIntervalScheduleOffsetsFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	sched := intervalSchedule(time.Hour, now, "reconcile")

	first := sched.Next(now)
	if first.Before(now.Add(time.Hour)) || !first.Before(now.Add(time.Hour+maxStartupSpread)) {
		t.Fatalf("first run %v outside [+1h, +1h%v)", first, maxStartupSpread)
	}
	if next := sched.Next(first); !next.After(first) || next.Sub(first) > time.Hour {
		t.Fatalf("second run %v after first %v", next, first)
	}
}

package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "bosstracker/pkg/logx"
)

func TestJournalDrivers(t *testing.T) {
	t.Parallel()
	eastern, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}

	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			j, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "activity."+driver)}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			// 23:30 Eastern on Jan 2 is already Jan 3 in UTC.
			lateJan2 := time.Date(2026, 1, 2, 23, 30, 0, 0, eastern)
			earlyJan3 := time.Date(2026, 1, 3, 0, 15, 0, 0, eastern)
			jan1 := time.Date(2026, 1, 1, 12, 0, 0, 0, eastern)

			var ids []string
			for _, e := range []Entry{
				{At: lateJan2, Target: "Lady Vox", Zone: "Permafrost Caverns", Status: StatusPosted, MessageID: "42"},
				{At: earlyJan3, Target: "Trakanon", Zone: "Old Sebilis", Status: StatusDuplicate},
				{At: jan1, Target: "Talendor", Zone: "Skyfire Mountains", Status: StatusFailed, Error: "boom"},
			} {
				got, err := j.Append(ctx, e)
				if err != nil {
					t.Fatalf("Append: %v", err)
				}
				if got.ID == "" || got.CreatedAt.IsZero() {
					t.Fatalf("entry not prepared: %+v", got)
				}
				ids = append(ids, got.ID)
			}
			if ids[0] == ids[1] || ids[1] == ids[2] {
				t.Fatalf("duplicate ids %v", ids)
			}

			day, err := j.Day(ctx, time.Date(2026, 1, 2, 8, 0, 0, 0, eastern), eastern)
			if err != nil {
				t.Fatalf("Day: %v", err)
			}
			if len(day) != 1 || day[0].Target != "Lady Vox" || day[0].MessageID != "42" || !day[0].At.Equal(lateJan2) {
				t.Fatalf("Day(Jan 2 Eastern) = %+v", day)
			}

			utcDay, err := j.Day(ctx, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC), time.UTC)
			if err != nil {
				t.Fatalf("Day: %v", err)
			}
			if len(utcDay) != 2 {
				t.Fatalf("Day(Jan 3 UTC) = %d entries, want 2", len(utcDay))
			}

			since, err := j.Since(ctx, jan1.Add(time.Hour))
			if err != nil {
				t.Fatalf("Since: %v", err)
			}
			if len(since) != 2 || since[0].Target != "Lady Vox" || since[1].Status != StatusDuplicate {
				t.Fatalf("Since = %+v", since)
			}

			if err := j.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if _, err := j.Append(ctx, Entry{Target: "x"}); !errors.Is(err, ErrClosed) {
				t.Fatalf("Append after close = %v", err)
			}
		})
	}
}

func TestOpenNoneDiscards(t *testing.T) {
	t.Parallel()
	j, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e, err := j.Append(context.Background(), Entry{Target: "Lady Vox"})
	if err != nil || e.ID == "" {
		t.Fatalf("Append = %+v, %v", e, err)
	}
	if got, _ := j.Since(context.Background(), time.Time{}); len(got) != 0 {
		t.Fatalf("none journal returned %d entries", len(got))
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

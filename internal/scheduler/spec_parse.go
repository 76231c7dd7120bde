package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed schedule string. Exactly one of Cron and Every is set.
type Schedule struct {
	Cron  string
	Every time.Duration
}

// ParseSchedule accepts a cron expression ("0 6 * * *", "@daily"), a Go
// duration ("12h") or an hours:minutes interval ("36:00").
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return Schedule{}, fmt.Errorf("schedule required")
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return Schedule{Cron: strings.Join(strings.Fields(s), " ")}, nil
	}

	every, err := parseEvery(s)
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule %q: want cron, duration or HH:MM: %w", raw, err)
	}
	return Schedule{Every: every}, nil
}

// ValidateSchedule reports whether AddSchedule would accept raw.
func ValidateSchedule(raw string) error {
	sc, err := ParseSchedule(raw)
	if err != nil || sc.Cron == "" {
		return err
	}
	if _, err := cronParser.Parse(sc.Cron); err != nil {
		return fmt.Errorf("cron %q: %w", sc.Cron, err)
	}
	return nil
}

func parseEvery(s string) (time.Duration, error) {
	var d time.Duration
	if h, m, ok := strings.Cut(s, ":"); ok {
		hours, herr := strconv.Atoi(h)
		mins, merr := strconv.Atoi(m)
		if herr != nil || merr != nil || len(m) != 2 || hours < 0 || mins < 0 || mins > 59 {
			return 0, fmt.Errorf("bad HH:MM")
		}
		d = time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, err
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive")
	}
	return d, nil
}

package cron

import (
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// ScheduleKind identifies how a job recurs.
type ScheduleKind string

const (
	// KindAt fires once at an absolute time.
	KindAt ScheduleKind = "at"
	// KindEvery fires on a fixed interval from an anchor.
	KindEvery ScheduleKind = "every"
	// KindCron fires on a cron expression in an IANA timezone.
	KindCron ScheduleKind = "cron"
)

var cronParser = robfig.NewParser(
	robfig.SecondOptional |
		robfig.Minute |
		robfig.Hour |
		robfig.Dom |
		robfig.Month |
		robfig.Dow |
		robfig.Descriptor,
)

// Schedule is a parsed job schedule.
type Schedule struct {
	Kind     ScheduleKind  `json:"kind"`
	At       time.Time     `json:"at,omitempty"`
	Every    time.Duration `json:"every,omitempty"`
	Anchor   time.Time     `json:"anchor,omitempty"`
	Expr     string        `json:"expr,omitempty"`
	Timezone string        `json:"timezone,omitempty"`
}

// NewAt creates a one-shot schedule.
func NewAt(at time.Time) Schedule {
	return Schedule{Kind: KindAt, At: at}
}

// NewEvery creates an interval schedule anchored at the given time. A
// zero anchor means the interval starts when the job is added.
func NewEvery(every time.Duration, anchor time.Time) Schedule {
	return Schedule{Kind: KindEvery, Every: every, Anchor: anchor}
}

// NewCron creates a cron-expression schedule. tz may be empty for the
// host timezone.
func NewCron(expr, tz string) Schedule {
	return Schedule{Kind: KindCron, Expr: strings.TrimSpace(expr), Timezone: strings.TrimSpace(tz)}
}

// Validate checks the schedule is well formed, including the cron
// expression and timezone.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindAt:
		if s.At.IsZero() {
			return fmt.Errorf("at schedule missing timestamp")
		}
	case KindEvery:
		if s.Every <= 0 {
			return fmt.Errorf("every schedule requires a positive interval")
		}
	case KindCron:
		if s.Expr == "" {
			return fmt.Errorf("cron schedule missing expression")
		}
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next computes the next fire time strictly after now. ok is false when
// the schedule has no future fire, which for the at kind means it
// already ran (lastRun at or after the timestamp).
func (s Schedule) Next(now, lastRun time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case KindAt:
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("at schedule missing timestamp")
		}
		if !lastRun.IsZero() && !lastRun.Before(s.At) {
			return time.Time{}, false, nil
		}
		// A missed one-shot is due immediately rather than dropped.
		if s.At.Before(now) {
			return now, true, nil
		}
		return s.At, true, nil

	case KindEvery:
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule requires a positive interval")
		}
		anchor := s.Anchor
		if anchor.IsZero() {
			anchor = now
		}
		if anchor.After(now) {
			return anchor, true, nil
		}
		elapsed := now.Sub(anchor)
		periods := elapsed / s.Every
		next := anchor.Add((periods + 1) * s.Every)
		return next, true, nil

	case KindCron:
		if s.Expr == "" {
			return time.Time{}, false, fmt.Errorf("cron schedule missing expression")
		}
		loc := now.Location()
		if s.Timezone != "" {
			tz, err := time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, false, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
			}
			loc = tz
		}
		spec, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		next := spec.Next(now.In(loc))
		return next, !next.IsZero(), nil

	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a scheduled or recurring task.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCancelled TaskStatus = "cancelled"
)

// ScheduleKind enumerates the builtin schedule shapes.
type ScheduleKind string

const (
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleWeekly   ScheduleKind = "weekly"
	ScheduleHourly   ScheduleKind = "hourly"
	ScheduleInterval ScheduleKind = "interval"

	// ScheduleCron covers server-side tasks configured with a raw cron
	// expression instead of one of the builtin kinds.
	ScheduleCron ScheduleKind = "cron"
)

// MinIntervalMinutes is the floor for interval schedules.
const MinIntervalMinutes = 5

// Schedule describes when a task recurs. Exactly the fields relevant to Kind
// are set: Time for daily/weekly, Day for weekly, Minutes for interval,
// Expression for cron.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// Time is "HH:MM" in the task's local time, for daily and weekly.
	Time string `json:"time,omitempty"`

	// Day is the weekday for weekly schedules ("monday" .. "sunday").
	Day string `json:"day,omitempty"`

	// Minutes is the interval length for interval schedules, >= 5.
	Minutes int `json:"minutes,omitempty"`

	// Expression is a standard 5-field cron expression for cron schedules.
	Expression string `json:"expression,omitempty"`
}

// Validate checks the schedule's shape.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleDaily:
		if _, _, err := parseClock(s.Time); err != nil {
			return fmt.Errorf("daily schedule: %w", err)
		}
	case ScheduleWeekly:
		if _, _, err := parseClock(s.Time); err != nil {
			return fmt.Errorf("weekly schedule: %w", err)
		}
		if _, err := ParseWeekday(s.Day); err != nil {
			return fmt.Errorf("weekly schedule: %w", err)
		}
	case ScheduleHourly:
	case ScheduleInterval:
		if s.Minutes < MinIntervalMinutes {
			return fmt.Errorf("interval schedule: minutes must be >= %d, got %d", MinIntervalMinutes, s.Minutes)
		}
	case ScheduleCron:
		if s.Expression == "" {
			return fmt.Errorf("cron schedule: empty expression")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// NextAfter returns the first occurrence strictly after t. Cron schedules
// are resolved by the owning store, which holds the parsed expression; for
// them NextAfter returns the zero time.
func (s Schedule) NextAfter(t time.Time) time.Time {
	switch s.Kind {
	case ScheduleDaily:
		hh, mm, err := parseClock(s.Time)
		if err != nil {
			return time.Time{}
		}
		next := time.Date(t.Year(), t.Month(), t.Day(), hh, mm, 0, 0, t.Location())
		if !next.After(t) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case ScheduleWeekly:
		hh, mm, err := parseClock(s.Time)
		if err != nil {
			return time.Time{}
		}
		day, err := ParseWeekday(s.Day)
		if err != nil {
			return time.Time{}
		}
		next := time.Date(t.Year(), t.Month(), t.Day(), hh, mm, 0, 0, t.Location())
		for next.Weekday() != day || !next.After(t) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case ScheduleHourly:
		next := t.Truncate(time.Hour).Add(time.Hour)
		return next
	case ScheduleInterval:
		minutes := s.Minutes
		if minutes < MinIntervalMinutes {
			minutes = MinIntervalMinutes
		}
		return t.Add(time.Duration(minutes) * time.Minute)
	default:
		return time.Time{}
	}
}

func parseClock(v string) (int, int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(v, "%d:%d", &hh, &mm); err != nil {
		return 0, 0, fmt.Errorf("invalid time %q", v)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("invalid time %q", v)
	}
	return hh, mm, nil
}

// ParseWeekday maps a lowercase day name to a time.Weekday.
func ParseWeekday(v string) (time.Weekday, error) {
	switch v {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return time.Sunday, fmt.Errorf("invalid weekday %q", v)
}

// ScheduledTask is a locally persisted recurring prompt, checked by the
// local agent's scheduler.
type ScheduledTask struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Prompt              string     `json:"prompt"`
	Schedule            Schedule   `json:"schedule"`
	NextRunAt           time.Time  `json:"next_run_at"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	Status              TaskStatus `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	PersonaHint         string     `json:"persona_hint,omitempty"`
	Priority            int        `json:"priority,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// RecurringTask is the server-side analogue of ScheduledTask with
// per-user persistence and timezone-aware scheduling.
type RecurringTask struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	DeviceID            string     `json:"device_id,omitempty"`
	Name                string     `json:"name"`
	Prompt              string     `json:"prompt"`
	Schedule            Schedule   `json:"schedule"`
	Timezone            string     `json:"timezone"`
	NextRunAt           time.Time  `json:"next_run_at"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	Status              TaskStatus `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	MaxFailures         int        `json:"max_failures"`
	MissedPromptSentAt  *time.Time `json:"missed_prompt_sent_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// DeferredStatus is the lifecycle state of a one-shot deferred task.
type DeferredStatus string

const (
	DeferredScheduled DeferredStatus = "scheduled"
	DeferredExecuting DeferredStatus = "executing"
	DeferredCompleted DeferredStatus = "completed"
	DeferredFailed    DeferredStatus = "failed"
	DeferredExpired   DeferredStatus = "expired"
)

// Terminal reports whether the status is final.
func (s DeferredStatus) Terminal() bool {
	switch s {
	case DeferredCompleted, DeferredFailed, DeferredExpired:
		return true
	default:
		return false
	}
}

// DeferredTask is a one-shot delayed prompt created when the assistant
// decides to push work into the future ("remind me in 30 minutes").
type DeferredTask struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	SessionID      string         `json:"session_id,omitempty"`
	OriginalPrompt string         `json:"original_prompt"`
	DeferredBy     string         `json:"deferred_by,omitempty"`
	DeferReason    string         `json:"defer_reason,omitempty"`
	ScheduledFor   time.Time      `json:"scheduled_for"`
	AttemptCount   int            `json:"attempt_count"`
	MaxAttempts    int            `json:"max_attempts"`
	Priority       int            `json:"priority"`
	Status         DeferredStatus `json:"status"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// MarshalScheduleColumn encodes a schedule for a single TEXT column.
func MarshalScheduleColumn(s Schedule) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalScheduleColumn decodes a schedule stored by MarshalScheduleColumn.
func UnmarshalScheduleColumn(v string) (Schedule, error) {
	var s Schedule
	if v == "" {
		return s, nil
	}
	err := json.Unmarshal([]byte(v), &s)
	return s, err
}

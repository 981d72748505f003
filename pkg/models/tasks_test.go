package models

import (
	"testing"
	"time"
)

func TestSchedule_Validate(t *testing.T) {
	tests := []struct {
		name     string
		schedule Schedule
		wantErr  bool
	}{
		{"daily valid", Schedule{Kind: ScheduleDaily, Time: "08:30"}, false},
		{"daily bad time", Schedule{Kind: ScheduleDaily, Time: "25:00"}, true},
		{"daily missing time", Schedule{Kind: ScheduleDaily}, true},
		{"weekly valid", Schedule{Kind: ScheduleWeekly, Day: "monday", Time: "09:00"}, false},
		{"weekly bad day", Schedule{Kind: ScheduleWeekly, Day: "moonday", Time: "09:00"}, true},
		{"hourly", Schedule{Kind: ScheduleHourly}, false},
		{"interval valid", Schedule{Kind: ScheduleInterval, Minutes: 15}, false},
		{"interval below floor", Schedule{Kind: ScheduleInterval, Minutes: 3}, true},
		{"cron valid", Schedule{Kind: ScheduleCron, Expression: "0 9 * * 1"}, false},
		{"cron empty", Schedule{Kind: ScheduleCron}, true},
		{"unknown kind", Schedule{Kind: "fortnightly"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schedule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchedule_NextAfterDaily(t *testing.T) {
	s := Schedule{Kind: ScheduleDaily, Time: "08:00"}

	// Before today's occurrence: same day.
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	next := s.NextAfter(now)
	want := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextAfter = %v, want %v", next, want)
	}

	// After today's occurrence: tomorrow.
	now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	next = s.NextAfter(now)
	want = time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextAfter = %v, want %v", next, want)
	}

	// Exactly at the occurrence: strictly after, so tomorrow.
	now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	next = s.NextAfter(now)
	if !next.Equal(want) {
		t.Errorf("NextAfter at boundary = %v, want %v", next, want)
	}
}

func TestSchedule_NextAfterWeekly(t *testing.T) {
	s := Schedule{Kind: ScheduleWeekly, Day: "friday", Time: "17:00"}

	// 2026-03-02 is a Monday.
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	next := s.NextAfter(now)
	want := time.Date(2026, 3, 6, 17, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextAfter = %v, want %v", next, want)
	}
	if next.Weekday() != time.Friday {
		t.Errorf("NextAfter weekday = %v, want Friday", next.Weekday())
	}

	// Friday evening after the slot rolls a full week.
	now = time.Date(2026, 3, 6, 18, 0, 0, 0, time.UTC)
	next = s.NextAfter(now)
	want = time.Date(2026, 3, 13, 17, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextAfter = %v, want %v", next, want)
	}
}

func TestSchedule_NextAfterHourly(t *testing.T) {
	s := Schedule{Kind: ScheduleHourly}

	now := time.Date(2026, 3, 2, 10, 42, 30, 0, time.UTC)
	next := s.NextAfter(now)
	want := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextAfter = %v, want %v", next, want)
	}
}

func TestSchedule_NextAfterInterval(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	s := Schedule{Kind: ScheduleInterval, Minutes: 45}
	if got, want := s.NextAfter(now), now.Add(45*time.Minute); !got.Equal(want) {
		t.Errorf("NextAfter = %v, want %v", got, want)
	}

	// Below-floor intervals are clamped rather than firing hot.
	s = Schedule{Kind: ScheduleInterval, Minutes: 1}
	if got, want := s.NextAfter(now), now.Add(MinIntervalMinutes*time.Minute); !got.Equal(want) {
		t.Errorf("NextAfter clamped = %v, want %v", got, want)
	}
}

func TestDeferredStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   DeferredStatus
		terminal bool
	}{
		{DeferredScheduled, false},
		{DeferredExecuting, false},
		{DeferredCompleted, true},
		{DeferredFailed, true},
		{DeferredExpired, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestScheduleColumn_RoundTrip(t *testing.T) {
	original := Schedule{Kind: ScheduleWeekly, Day: "tuesday", Time: "07:15"}

	col, err := MarshalScheduleColumn(original)
	if err != nil {
		t.Fatalf("MarshalScheduleColumn error: %v", err)
	}
	decoded, err := UnmarshalScheduleColumn(col)
	if err != nil {
		t.Fatalf("UnmarshalScheduleColumn error: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip = %+v, want %+v", decoded, original)
	}

	empty, err := UnmarshalScheduleColumn("")
	if err != nil {
		t.Fatalf("UnmarshalScheduleColumn(\"\") error: %v", err)
	}
	if empty != (Schedule{}) {
		t.Errorf("empty column = %+v, want zero schedule", empty)
	}
}

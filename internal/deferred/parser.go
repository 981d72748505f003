// Package deferred owns one-shot delayed prompts: a natural-language time
// parser, sqlite persistence, and the poller that executes due tasks with
// capped exponential retry.
package deferred

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	relativeRe = regexp.MustCompile(`^in\s+(\d+)\s*(minutes?|mins?|m|hours?|hrs?|h|days?|d)$`)
	clockRe    = regexp.MustCompile(`^at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	tomorrowRe = regexp.MustCompile(`^tomorrow(?:\s+at)?\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

// ParseScheduleTime resolves a natural-language schedule expression
// against now. Accepted forms: "in N minutes/hours/days", "at 1:15 PM",
// "tomorrow 10am", and ISO-8601 timestamps. A bare clock time that has
// already passed today rolls over to tomorrow.
func ParseScheduleTime(input string, now time.Time) (time.Time, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return time.Time{}, fmt.Errorf("deferred: empty schedule time")
	}

	if m := relativeRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return time.Time{}, fmt.Errorf("deferred: bad offset %q", input)
		}
		switch m[2][0] {
		case 'm':
			return now.Add(time.Duration(n) * time.Minute), nil
		case 'h':
			return now.Add(time.Duration(n) * time.Hour), nil
		case 'd':
			return now.AddDate(0, 0, n), nil
		}
	}

	if m := clockRe.FindStringSubmatch(s); m != nil {
		at, err := clockToday(m[1], m[2], m[3], now)
		if err != nil {
			return time.Time{}, err
		}
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}

	if m := tomorrowRe.FindStringSubmatch(s); m != nil {
		at, err := clockToday(m[1], m[2], m[3], now)
		if err != nil {
			return time.Time{}, err
		}
		return at.AddDate(0, 0, 1), nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"} {
		if at, err := time.ParseInLocation(layout, strings.ToUpper(input), now.Location()); err == nil {
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("deferred: unrecognized schedule time %q", input)
}

func clockToday(hourStr, minStr, meridiem string, now time.Time) (time.Time, error) {
	hour, err := strconv.Atoi(hourStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("deferred: bad hour %q", hourStr)
	}
	minute := 0
	if minStr != "" {
		if minute, err = strconv.Atoi(minStr); err != nil || minute > 59 {
			return time.Time{}, fmt.Errorf("deferred: bad minute %q", minStr)
		}
	}
	switch meridiem {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 {
		return time.Time{}, fmt.Errorf("deferred: bad hour %d", hour)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location()), nil
}

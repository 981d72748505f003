package dot

import (
	"fmt"
	"strings"
	"time"

	"github.com/dotbot-ai/dotbot/internal/llm"
)

// journal records phase transitions and errors across one request so a
// terminal failure can be explained instead of dumped.
type journal struct {
	phases   []phaseEntry
	attempts int
}

type phaseEntry struct {
	name string
	at   time.Time
	err  error
}

func newJournal() *journal {
	return &journal{}
}

func (j *journal) enter(phase string) {
	j.phases = append(j.phases, phaseEntry{name: phase, at: time.Now()})
}

func (j *journal) fail(err error) {
	if len(j.phases) > 0 {
		j.phases[len(j.phases)-1].err = err
	}
	j.attempts++
}

// report turns the terminal error into the user-facing failure message:
// plain language, the error's short hint, the recovery attempt count when
// non-zero, and a category-specific next step. Raw payloads never surface.
func (j *journal) report(err error) string {
	var b strings.Builder
	b.WriteString("I couldn't finish that request.")

	if hint := shortHint(err); hint != "" {
		b.WriteString(" " + hint)
	}
	if j.attempts > 1 {
		fmt.Fprintf(&b, " I tried %d times.", j.attempts)
	}
	b.WriteString(" " + nextStep(llm.CategoryOf(err)))
	return b.String()
}

func shortHint(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	// Keep only the innermost cause, trimmed.
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		msg = msg[i+2:]
	}
	if len(msg) > 120 {
		msg = msg[:120] + "…"
	}
	return "(" + msg + ")"
}

func nextStep(cat llm.Category) string {
	switch cat {
	case llm.CategoryRateLimited:
		return "Rate limits usually reset within a minute; try again shortly."
	case llm.CategoryUnauthorized:
		return "Check that the configured API keys are valid."
	case llm.CategoryTransient:
		return "The provider looks unstable right now; try again in a moment."
	case llm.CategoryTimeout:
		return "Try a simpler or smaller version of the request."
	case llm.CategoryCancelled:
		return "The request was cancelled."
	default:
		return "Trying again, or rephrasing the request, may help."
	}
}

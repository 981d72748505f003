package config

import (
	"fmt"
	"time"
)

// DotConfig tunes the conversational orchestrator.
type DotConfig struct {
	// MaxIterations bounds the conversational tool loop.
	MaxIterations int `yaml:"max_iterations"`

	// WorkhorseThreshold and ArchitectThreshold are the complexity scores
	// (1-10) at which the loop escalates to a stronger tier.
	WorkhorseThreshold int `yaml:"workhorse_threshold"`
	ArchitectThreshold int `yaml:"architect_threshold"`

	// DispatchThreshold is the complexity score at or above which a
	// request is always dispatched to a background agent.
	DispatchThreshold int `yaml:"dispatch_threshold"`

	// HistoryLimit is how many prior thread messages are loaded into the
	// conversational context.
	HistoryLimit int `yaml:"history_limit"`
}

func (c *DotConfig) applyDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 12
	}
	if c.WorkhorseThreshold == 0 {
		c.WorkhorseThreshold = 6
	}
	if c.ArchitectThreshold == 0 {
		c.ArchitectThreshold = 10
	}
	if c.DispatchThreshold == 0 {
		c.DispatchThreshold = 7
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 30
	}
}

func (c *DotConfig) validate() error {
	if c.DispatchThreshold < 1 || c.DispatchThreshold > 10 {
		return fmt.Errorf("dot.dispatch_threshold must be 1-10, got %d", c.DispatchThreshold)
	}
	if c.WorkhorseThreshold > c.ArchitectThreshold {
		return fmt.Errorf("dot.workhorse_threshold %d exceeds architect_threshold %d", c.WorkhorseThreshold, c.ArchitectThreshold)
	}
	return nil
}

// PipelineConfig tunes background agent execution.
type PipelineConfig struct {
	// MaxStepIterations bounds the tool loop inside a single plan step.
	MaxStepIterations int `yaml:"max_step_iterations"`

	// MaxPlanSteps caps how many steps a plan may hold.
	MaxPlanSteps int `yaml:"max_plan_steps"`

	// MaxReplans caps how many times a failed step triggers re-planning
	// before the agent gives up.
	MaxReplans int `yaml:"max_replans"`

	// StepTimeout bounds wall time of one plan step.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// RecoveryScan enables the orphaned-workspace scanner at startup.
	RecoveryScan bool `yaml:"recovery_scan"`
}

func (c *PipelineConfig) applyDefaults() {
	if c.MaxStepIterations == 0 {
		c.MaxStepIterations = 30
	}
	if c.MaxPlanSteps == 0 {
		c.MaxPlanSteps = 8
	}
	if c.MaxReplans == 0 {
		c.MaxReplans = 2
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 10 * time.Minute
	}
}

func (c *PipelineConfig) validate() error {
	if c.MaxPlanSteps < 1 || c.MaxPlanSteps > 8 {
		return fmt.Errorf("pipeline.max_plan_steps must be 1-8, got %d", c.MaxPlanSteps)
	}
	return nil
}

// TasksConfig tunes server-side recurring and deferred task execution.
type TasksConfig struct {
	// RecurringCheckInterval is the poll cadence for recurring tasks.
	RecurringCheckInterval time.Duration `yaml:"recurring_check_interval"`

	// DeferredPollInterval is the poll cadence for deferred tasks.
	DeferredPollInterval time.Duration `yaml:"deferred_poll_interval"`

	// DeferredMaxAttempts caps retries of a failing deferred task.
	DeferredMaxAttempts int `yaml:"deferred_max_attempts"`

	// MaxFailures pauses a recurring task after this many consecutive
	// failures.
	MaxFailures int `yaml:"max_failures"`
}

func (c *TasksConfig) applyDefaults() {
	if c.RecurringCheckInterval == 0 {
		c.RecurringCheckInterval = time.Minute
	}
	if c.DeferredPollInterval == 0 {
		c.DeferredPollInterval = 30 * time.Second
	}
	if c.DeferredMaxAttempts == 0 {
		c.DeferredMaxAttempts = 3
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
}

func (c *TasksConfig) validate() error {
	if c.DeferredPollInterval < time.Second {
		return fmt.Errorf("tasks.deferred_poll_interval %s too short", c.DeferredPollInterval)
	}
	return nil
}

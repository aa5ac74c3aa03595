// Package models defines the core domain models for durable state machine executions
package models

import (
	"errors"
	"fmt"
	"time"
)

// StateType identifies the behavior of a state.
type StateType string

const (
	StateTypeTask     StateType = "Task"
	StateTypeWait     StateType = "Wait"
	StateTypeChoice   StateType = "Choice"
	StateTypeMap      StateType = "Map"
	StateTypeParallel StateType = "Parallel"
	StateTypePass     StateType = "Pass"
	StateTypePublish  StateType = "Publish"
	StateTypePoll     StateType = "Poll"
)

const (
	// ResultPathReplace replaces the whole working data with the state result.
	ResultPathReplace = "$"
	// ResultPathDiscard keeps the working data and drops the state result.
	ResultPathDiscard = "null"
)

var (
	ErrStartStateMissing = errors.New("start state not found")
	ErrUnknownSuccessor  = errors.New("unknown successor state")
	ErrNoTransition      = errors.New("state has neither next nor end")
	ErrInvalidState      = errors.New("invalid state")
)

// StateMachine is a named set of states with a designated start state.
// States reference their successors by name.
type StateMachine struct {
	Name    string            `json:"name,omitempty"`
	Comment string            `json:"comment,omitempty"`
	StartAt string            `json:"start_at"`
	States  map[string]*State `json:"states"`
}

// State is a single step of a state machine. Which fields are meaningful
// depends on Type.
type State struct {
	Type    StateType `json:"type"`
	Comment string    `json:"comment,omitempty"`
	Next    string    `json:"next,omitempty"`
	End     bool      `json:"end,omitempty"`

	// Task, Poll: task name and payload template.
	Resource   string         `json:"resource,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	ResultPath string         `json:"result_path,omitempty"`

	// Wait.
	Seconds int `json:"seconds,omitempty"`

	// Choice.
	Choices []ChoiceRule `json:"choices,omitempty"`
	Default string       `json:"default,omitempty"`

	// Map.
	ItemsPath      string        `json:"items_path,omitempty"`
	Iterator       *StateMachine `json:"iterator,omitempty"`
	MaxConcurrency int           `json:"max_concurrency,omitempty"`

	// Parallel.
	Branches []*StateMachine `json:"branches,omitempty"`

	// Pass.
	Result any `json:"result,omitempty"`

	// Publish.
	Channel string         `json:"channel,omitempty"`
	Message map[string]any `json:"message,omitempty"`

	// Poll: repeat the task every IntervalSeconds while Continue holds,
	// giving up after MaxAttempts checks.
	IntervalSeconds int        `json:"interval_seconds,omitempty"`
	MaxAttempts     int        `json:"max_attempts,omitempty"`
	Continue        *Condition `json:"continue,omitempty"`
}

// ChoiceRule routes to Next when Condition holds.
type ChoiceRule struct {
	Condition Condition `json:"condition"`
	Next      string    `json:"next"`
}

// WaitDuration returns the configured wait of a Wait state.
func (s *State) WaitDuration() time.Duration {
	return time.Duration(s.Seconds) * time.Second
}

// PollInterval returns the delay between two checks of a Poll state.
func (s *State) PollInterval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Validate checks that every successor reference resolves inside the machine
// and that nested machines are themselves valid.
func (m *StateMachine) Validate() error {
	if _, ok := m.States[m.StartAt]; !ok {
		return fmt.Errorf("%w: %q", ErrStartStateMissing, m.StartAt)
	}

	for name, state := range m.States {
		if err := m.validateState(name, state); err != nil {
			return err
		}
	}

	return nil
}

func (m *StateMachine) validateState(name string, state *State) error {
	if state == nil {
		return fmt.Errorf("%w: %q is empty", ErrInvalidState, name)
	}

	ref := func(target string) error {
		if _, ok := m.States[target]; !ok {
			return fmt.Errorf("%w: %q -> %q", ErrUnknownSuccessor, name, target)
		}

		return nil
	}

	if state.Type == StateTypeChoice {
		if len(state.Choices) == 0 {
			return fmt.Errorf("%w: choice %q has no rules", ErrInvalidState, name)
		}

		for _, rule := range state.Choices {
			if err := ref(rule.Next); err != nil {
				return err
			}
		}

		if state.Default != "" {
			return ref(state.Default)
		}

		return nil
	}

	switch state.Type {
	case StateTypeTask, StateTypePoll:
		if state.Resource == "" {
			return fmt.Errorf("%w: %q has no resource", ErrInvalidState, name)
		}

		if state.Type == StateTypePoll && state.Continue == nil {
			return fmt.Errorf("%w: poll %q has no continue condition", ErrInvalidState, name)
		}
	case StateTypeWait:
		if state.Seconds < 0 {
			return fmt.Errorf("%w: wait %q has negative seconds", ErrInvalidState, name)
		}
	case StateTypeMap:
		if state.Iterator == nil || state.ItemsPath == "" {
			return fmt.Errorf("%w: map %q needs items_path and iterator", ErrInvalidState, name)
		}

		if err := state.Iterator.Validate(); err != nil {
			return fmt.Errorf("map %q iterator: %w", name, err)
		}
	case StateTypeParallel:
		if len(state.Branches) == 0 {
			return fmt.Errorf("%w: parallel %q has no branches", ErrInvalidState, name)
		}

		for i, branch := range state.Branches {
			if err := branch.Validate(); err != nil {
				return fmt.Errorf("parallel %q branch %d: %w", name, i, err)
			}
		}
	case StateTypePublish:
		if state.Channel == "" {
			return fmt.Errorf("%w: publish %q has no channel", ErrInvalidState, name)
		}
	case StateTypePass:
	default:
		return fmt.Errorf("%w: %q has unknown type %q", ErrInvalidState, name, state.Type)
	}

	if state.End {
		return nil
	}

	if state.Next == "" {
		return fmt.Errorf("%w: %q", ErrNoTransition, name)
	}

	return ref(state.Next)
}

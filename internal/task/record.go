// Package task persists the queued-task list as a YAML file and hands out
// crash-safe state transitions over it.
package task

import (
	"fmt"
	"regexp"
	"time"
)

// Task statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// namePattern restricts task names to filesystem- and shell-safe characters.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Failure records where and why a task stopped, kept for retry.
type Failure struct {
	Movement    string `yaml:"movement,omitempty"`
	Error       string `yaml:"error,omitempty"`
	LastMessage string `yaml:"last_message,omitempty"`
}

// Record is one queued task.
type Record struct {
	Name   string `yaml:"name"`
	Status string `yaml:"status"`

	// Content is the task text handed to the piece.
	Content string `yaml:"content"`

	Piece string `yaml:"piece,omitempty"`

	// StartMovement, when set, makes the next run start from that movement
	// instead of the piece's initial movement.
	StartMovement string `yaml:"start_movement,omitempty"`

	// RetryNote accumulates operator corrections across retries, joined by
	// blank lines.
	RetryNote string `yaml:"retry_note,omitempty"`

	CreatedAt   time.Time  `yaml:"created_at"`
	StartedAt   *time.Time `yaml:"started_at,omitempty"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty"`

	Failure *Failure `yaml:"failure,omitempty"`

	// Response holds an excerpt of the final agent output of a completed run.
	Response string `yaml:"response,omitempty"`
}

// ValidateName rejects task names that would be unsafe as file stems or
// stream prefixes.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("task name is empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("task name %q contains invalid characters (allowed: letters, digits, dot, underscore, hyphen)", name)
	}
	return nil
}

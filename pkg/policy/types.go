package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/cloudferry/cloudferry/pkg/model"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are logged but do not block a migration.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the migration of the object.
	SeverityError Severity = "error"

	// SeverityCritical blocks the migration of the object.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny a migration.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. A policy reports
// violations through a "deny" set in its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Object is the object that violated the policy.
	Object string `json:"object,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the outcome of evaluating the enabled policies against
// one object.
type Result struct {
	// Allowed is false when a blocking violation was found.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies are evaluated against, available as
// "input" in Rego.
type Input struct {
	Object    ObjectInput    `json:"object"`
	Migration MigrationInput `json:"migration"`
}

// ObjectInput describes the object about to be migrated.
type ObjectInput struct {
	ID     string         `json:"id"`
	Cloud  string         `json:"cloud"`
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields"`
}

// MigrationInput describes the migration the object belongs to.
type MigrationInput struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// NewInput builds the policy input of obj.
func NewInput(obj *model.Object, migration MigrationInput) *Input {
	id := obj.ObjectID()
	return &Input{
		Object: ObjectInput{
			ID:     id.ID,
			Cloud:  id.Cloud,
			Type:   id.Type,
			Fields: obj.Fields(),
		},
		Migration: migration,
	}
}

// DeniedError is returned when blocking violations prevent a migration.
type DeniedError struct {
	Violations []Violation
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s (%s)", v.Object, v.Message, v.Policy))
	}
	return fmt.Sprintf("migration denied by policy: %s", strings.Join(msgs, "; "))
}

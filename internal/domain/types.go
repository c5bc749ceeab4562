package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusClaimed       Status = "CLAIMED"
	StatusRunning       Status = "RUNNING"
	StatusCompleted     Status = "COMPLETED"
	StatusDeadLetter    Status = "DEAD_LETTER"
	StatusBlockedFailed Status = "BLOCKED_FAILED"
	StatusCancelled     Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible without an operator replay.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeadLetter, StatusBlockedFailed, StatusCancelled:
		return true
	}
	return false
}

// FailedUpstream reports whether an instance in this status can never unblock its dependents.
func (s Status) FailedUpstream() bool {
	return s == StatusDeadLetter || s == StatusBlockedFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusRunning, StatusCompleted,
		StatusDeadLetter, StatusBlockedFailed, StatusCancelled:
		return true
	}
	return false
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// Priority tiers order critical before normal before low. The numeric value is the sort rank.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityNormal
	PriorityLow
)

var Priorities = []Priority{PriorityCritical, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p Priority) Valid() bool { return p >= PriorityCritical && p <= PriorityLow }

func ParsePriority(raw string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return PriorityCritical, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", raw)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Definition is the immutable template instances are materialized from.
type Definition struct {
	ID          string          `json:"definition_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Region      string          `json:"region"`
	Priority    Priority        `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Recurrence  string          `json:"recurrence,omitempty"`
	CatchUp     bool            `json:"catch_up"`
	DependsOn   []string        `json:"dependency_definition_ids,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	RetiredAt   *time.Time      `json:"retired_at,omitempty"`
}

func (d Definition) Recurring() bool { return strings.TrimSpace(d.Recurrence) != "" }

func (d Definition) Validate() error {
	switch {
	case strings.TrimSpace(d.ID) == "":
		return fmt.Errorf("%w: definition_id is required", ErrInvalidDefinition)
	case strings.TrimSpace(d.Kind) == "":
		return fmt.Errorf("%w: kind is required", ErrInvalidDefinition)
	case strings.TrimSpace(d.Region) == "":
		return fmt.Errorf("%w: region is required", ErrInvalidDefinition)
	case !d.Priority.Valid():
		return fmt.Errorf("%w: invalid priority %d", ErrInvalidDefinition, d.Priority)
	case d.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be >= 1", ErrInvalidDefinition)
	case slices.Contains(d.DependsOn, d.ID):
		return fmt.Errorf("%w: %s depends on itself", ErrDependencyCycle, d.ID)
	}
	return nil
}

// SameContent reports whether two definitions describe the same template.
func (d Definition) SameContent(o Definition) bool {
	a, b := slices.Clone(d.DependsOn), slices.Clone(o.DependsOn)
	slices.Sort(a)
	slices.Sort(b)
	return d.ID == o.ID && d.Kind == o.Kind && d.Region == o.Region &&
		d.Priority == o.Priority && d.MaxAttempts == o.MaxAttempts &&
		strings.TrimSpace(d.Recurrence) == strings.TrimSpace(o.Recurrence) &&
		d.CatchUp == o.CatchUp && slices.Equal(a, b) &&
		bytes.Equal(compactJSON(d.Payload), compactJSON(o.Payload))
}

func compactJSON(b []byte) []byte {
	var out bytes.Buffer
	if err := json.Compact(&out, b); err != nil {
		return b
	}
	return out.Bytes()
}

// Instance is one schedulable occurrence of a definition.
type Instance struct {
	ID              string     `json:"instance_id"`
	DefinitionID    string     `json:"definition_id"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	Status          Status     `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	MaxAttempts     int        `json:"max_attempts"`
	ClaimedBy       string     `json:"claimed_by,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	NextEligibleAt  time.Time  `json:"next_eligible_at"`
	CancelRequested bool       `json:"cancel_requested"`
	Region          string     `json:"region"`
	RoutedRegion    string     `json:"routed_region,omitempty"`
	Priority        Priority   `json:"priority"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// LeaseValid reports whether claimant holds an unexpired lease at now.
func (i Instance) LeaseValid(claimant string, now time.Time) bool {
	return i.ClaimedBy != "" && i.ClaimedBy == claimant &&
		i.LeaseExpiresAt != nil && i.LeaseExpiresAt.After(now)
}

// Edge records that InstanceID may not run before DependsOn has completed.
type Edge struct {
	InstanceID string `json:"instance_id"`
	DependsOn  string `json:"depends_on_instance_id"`
}

// Transition is the status-transition event emitted for every instance state change.
type Transition struct {
	InstanceID   string    `json:"instance_id"`
	DefinitionID string    `json:"definition_id"`
	From         Status    `json:"old_status"`
	To           Status    `json:"new_status"`
	Claimant     string    `json:"claimant,omitempty"`
	Region       string    `json:"region"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// Event is a persisted audit trail row.
type Event struct {
	ID         int64     `json:"id"`
	InstanceID string    `json:"instance_id"`
	From       Status    `json:"old_status,omitempty"`
	To         Status    `json:"new_status,omitempty"`
	Claimant   string    `json:"claimant,omitempty"`
	Region     string    `json:"region"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

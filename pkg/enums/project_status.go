package enums

import "fmt"

// ProjectStatus maps to the project_status enum in Postgres.
type ProjectStatus string

const (
	ProjectStatusDraft          ProjectStatus = "draft"
	ProjectStatusPendingPayment ProjectStatus = "pending_payment"
	ProjectStatusActive         ProjectStatus = "active"
	ProjectStatusPaused         ProjectStatus = "paused"
	ProjectStatusCompleted      ProjectStatus = "completed"
	ProjectStatusCancelled      ProjectStatus = "cancelled"
)

var validProjectStatuses = []ProjectStatus{
	ProjectStatusDraft,
	ProjectStatusPendingPayment,
	ProjectStatusActive,
	ProjectStatusPaused,
	ProjectStatusCompleted,
	ProjectStatusCancelled,
}

// String implements fmt.Stringer.
func (p ProjectStatus) String() string {
	return string(p)
}

// IsValid reports whether the value is a known ProjectStatus.
func (p ProjectStatus) IsValid() bool {
	for _, candidate := range validProjectStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the project can no longer transition.
func (p ProjectStatus) IsTerminal() bool {
	return p == ProjectStatusCompleted || p == ProjectStatusCancelled
}

// ParseProjectStatus converts raw input into a ProjectStatus.
func ParseProjectStatus(value string) (ProjectStatus, error) {
	for _, candidate := range validProjectStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid project status %q", value)
}

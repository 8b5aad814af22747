package enums

import "fmt"

// StageStatus maps to the stage_status enum in Postgres.
type StageStatus string

const (
	StageStatusNotStarted StageStatus = "not_started"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusBlocked    StageStatus = "blocked"
)

var validStageStatuses = []StageStatus{
	StageStatusNotStarted,
	StageStatusInProgress,
	StageStatusCompleted,
	StageStatusBlocked,
}

// String implements fmt.Stringer.
func (s StageStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known StageStatus.
func (s StageStatus) IsValid() bool {
	for _, candidate := range validStageStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseStageStatus converts raw input into a StageStatus.
func ParseStageStatus(value string) (StageStatus, error) {
	for _, candidate := range validStageStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid stage status %q", value)
}

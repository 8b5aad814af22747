package enums

import "fmt"

// DisputeReason is one of the enumerated complaint categories on a dispute.
type DisputeReason string

const (
	DisputeReasonQualityOfWork  DisputeReason = "quality_of_work"
	DisputeReasonIncompleteWork DisputeReason = "incomplete_work"
	DisputeReasonScheduleDelay  DisputeReason = "schedule_delay"
	DisputeReasonCostOverrun    DisputeReason = "cost_overrun"
	DisputeReasonSafetyConcern  DisputeReason = "safety_concern"
	DisputeReasonOther          DisputeReason = "other"
)

var validDisputeReasons = []DisputeReason{
	DisputeReasonQualityOfWork,
	DisputeReasonIncompleteWork,
	DisputeReasonScheduleDelay,
	DisputeReasonCostOverrun,
	DisputeReasonSafetyConcern,
	DisputeReasonOther,
}

// String implements fmt.Stringer.
func (d DisputeReason) String() string {
	return string(d)
}

// IsValid reports whether the value is a known DisputeReason.
func (d DisputeReason) IsValid() bool {
	for _, candidate := range validDisputeReasons {
		if candidate == d {
			return true
		}
	}
	return false
}

// ParseDisputeReason converts raw input into a DisputeReason.
func ParseDisputeReason(value string) (DisputeReason, error) {
	for _, candidate := range validDisputeReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dispute reason %q", value)
}

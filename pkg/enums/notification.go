package enums

import "fmt"

// NotificationType maps to the notification_type enum in Postgres.
type NotificationType string

const (
	NotificationTypeProjectUpdate NotificationType = "project_update"
	NotificationTypeStageUpdate   NotificationType = "stage_update"
	NotificationTypePaymentUpdate NotificationType = "payment_update"
	NotificationTypeDisputeUpdate NotificationType = "dispute_update"
	NotificationTypeAdminAction   NotificationType = "admin_action"
)

var validNotificationTypes = []NotificationType{
	NotificationTypeProjectUpdate,
	NotificationTypeStageUpdate,
	NotificationTypePaymentUpdate,
	NotificationTypeDisputeUpdate,
	NotificationTypeAdminAction,
}

// IsValid checks whether the given type matches the canonical enum.
func (n NotificationType) IsValid() bool {
	for _, candidate := range validNotificationTypes {
		if candidate == n {
			return true
		}
	}
	return false
}

// ParseNotificationType converts raw strings into NotificationType.
func ParseNotificationType(value string) (NotificationType, error) {
	for _, candidate := range validNotificationTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification type %q", value)
}

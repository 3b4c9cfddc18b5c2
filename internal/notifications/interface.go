package notifications

import "github.com/shipnote/shipnote-bot/internal/models"

// NotificationInterface defines the contract for operator notifications
type NotificationInterface interface {
	SendDigest(digest *models.Digest) error
	SendAlert(alert *models.Alert) error
}

package sources

import (
	"context"
	"time"

	"github.com/shipnote/shipnote-bot/internal/ingestion"
	"github.com/shipnote/shipnote-bot/internal/models"
)

// Source interface defines the contract for activity sources polled by the sync job
type Source interface {
	GetName() string
	FetchEvents(ctx context.Context, user *models.User, since time.Time) ([]*ingestion.Event, error)
	IsEnabled() bool
}

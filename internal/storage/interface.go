package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shipnote/shipnote-bot/internal/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert collides with an existing natural key
	ErrDuplicate = errors.New("duplicate natural key")
	// ErrStatusConflict is returned when a conditional update finds an unexpected status
	ErrStatusConflict = errors.New("status conflict")
)

// StorageInterface defines the contract for blob archive operations
type StorageInterface interface {
	Store(ctx context.Context, name string, data []byte) error
	Retrieve(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// ActivityFilter narrows ListActivities. Zero values mean "any".
type ActivityFilter struct {
	UserID     string
	Statuses   []models.ActivityStatus
	Repository string
	Since      time.Time
	Limit      int
}

// ContentFilter narrows ListContents. Zero values mean "any".
type ContentFilter struct {
	UserID          string
	Statuses        []models.ContentStatus
	ScheduledBefore *time.Time
	PostedSince     *time.Time
	Limit           int
}

// ContentMutation edits a content inside a conditional update
type ContentMutation func(c *models.Content) error

// ActivityStore persists activities
type ActivityStore interface {
	FindActivityByKey(ctx context.Context, key models.ActivityKey) (*models.Activity, error)
	InsertActivity(ctx context.Context, activity *models.Activity) error
	GetActivity(ctx context.Context, id string) (*models.Activity, error)
	// ListActivities returns matches ordered newest first by OccurredAt
	ListActivities(ctx context.Context, filter ActivityFilter) ([]models.Activity, error)
	// UpdateActivityDetails refreshes the mutable descriptive fields; status is untouched
	UpdateActivityDetails(ctx context.Context, id, title, description string, metadata models.ActivityMetadata) error
	// AdvanceActivity moves the activity forward; backward moves fail with ErrStatusConflict
	AdvanceActivity(ctx context.Context, id string, to models.ActivityStatus, at time.Time) (*models.Activity, error)
	// RevertActivity resets the activity to processed after its draft was rejected
	RevertActivity(ctx context.Context, id string, at time.Time) (*models.Activity, error)
}

// ContentStore persists contents
type ContentStore interface {
	InsertContent(ctx context.Context, content *models.Content) error
	GetContent(ctx context.Context, id string) (*models.Content, error)
	// ListContents returns matches ordered oldest first by CreatedAt
	ListContents(ctx context.Context, filter ContentFilter) ([]models.Content, error)
	// UpdateContent applies mutate atomically when the current status is one of allowed.
	// On a status mismatch the current record is returned together with ErrStatusConflict.
	UpdateContent(ctx context.Context, id string, allowed []models.ContentStatus, mutate ContentMutation) (*models.Content, error)
	ContentsReferencing(ctx context.Context, activityID string) ([]models.Content, error)
}

// UserStore gives read access to users
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	FindUserByGitHubLogin(ctx context.Context, login string) (*models.User, error)
	FindUserByChatID(ctx context.Context, chatID string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	SaveUser(ctx context.Context, user *models.User) error
}

// Store bundles every collection
type Store interface {
	ActivityStore
	ContentStore
	UserStore
}

func containsStatus[T comparable](list []T, s T) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// checkTransition validates a status change made by a mutation
func checkTransition(from, to models.ContentStatus) error {
	if from == to || from.CanTransitionTo(to) {
		return nil
	}
	return ErrStatusConflict
}

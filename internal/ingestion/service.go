package ingestion

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/shipnote/shipnote-bot/internal/storage"
	"github.com/sirupsen/logrus"
)

// Result counts what happened to the drafts of one event
type Result struct {
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Unchanged int    `json:"unchanged"`
	Failed    int    `json:"failed"`
	Dropped   string `json:"dropped,omitempty"`
}

// Add accumulates another result
func (r *Result) Add(other Result) {
	r.Created += other.Created
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
	r.Failed += other.Failed
}

// Service turns normalized events into activities
type Service struct {
	users      storage.UserStore
	activities storage.ActivityStore
	log        logrus.FieldLogger
}

// NewService creates the ingestion service
func NewService(users storage.UserStore, activities storage.ActivityStore, log logrus.FieldLogger) *Service {
	return &Service{
		users:      users,
		activities: activities,
		log:        log.WithField("component", "ingestion"),
	}
}

// Ingest resolves the event owner and stores its drafts. Events for unknown
// owners, or owners without a GitHub credential, are dropped.
func (s *Service) Ingest(ctx context.Context, event *Event) (Result, error) {
	user, err := s.users.FindUserByGitHubLogin(ctx, event.Owner)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.WithFields(logrus.Fields{"owner": event.Owner, "repository": event.Repository}).
			Info("Dropping event for unknown owner")
		return Result{Dropped: "unknown owner"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve owner %s: %w", event.Owner, err)
	}
	return s.IngestForUser(ctx, user, event), nil
}

// IngestForUser stores the drafts of an event already attributed to user.
// Each draft is handled on its own; one failure never stops the batch.
func (s *Service) IngestForUser(ctx context.Context, user *models.User, event *Event) Result {
	log := s.log.WithFields(logrus.Fields{"user_id": user.ID, "repository": event.Repository, "kind": event.Kind})
	if user.GitHubToken == "" {
		log.Info("Dropping event for user without GitHub credential")
		return Result{Dropped: "missing credential"}
	}

	var res Result
	for i := range event.Drafts {
		draft := event.Drafts[i]
		draft.UserID = user.ID
		outcome, err := s.upsert(ctx, &draft)
		if err != nil {
			res.Failed++
			log.WithField("external_id", draft.ExternalID).Errorf("Failed to ingest activity: %v", err)
			continue
		}
		switch outcome {
		case outcomeCreated:
			res.Created++
		case outcomeUpdated:
			res.Updated++
		default:
			res.Unchanged++
		}
	}

	if res.Created > 0 || res.Updated > 0 {
		log.Infof("Ingested %d new and %d updated activities", res.Created, res.Updated)
	}
	return res
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeCreated
	outcomeUpdated
)

func (s *Service) upsert(ctx context.Context, draft *models.Activity) (outcome, error) {
	existing, err := s.activities.FindActivityByKey(ctx, draft.Key())
	if errors.Is(err, storage.ErrNotFound) {
		insert := *draft
		insert.ID = ""
		insert.Status = models.ActivityPending
		if insert.OccurredAt.IsZero() {
			insert.OccurredAt = time.Now()
		}
		err = s.activities.InsertActivity(ctx, &insert)
		if err == nil {
			return outcomeCreated, nil
		}
		if !errors.Is(err, storage.ErrDuplicate) {
			return outcomeUnchanged, err
		}
		// lost the race to a concurrent delivery; compare against the winner
		existing, err = s.activities.FindActivityByKey(ctx, draft.Key())
	}
	if err != nil {
		return outcomeUnchanged, err
	}

	if !changed(existing, draft) {
		return outcomeUnchanged, nil
	}
	if err := s.activities.UpdateActivityDetails(ctx, existing.ID, draft.Title, draft.Description, draft.Metadata); err != nil {
		return outcomeUnchanged, err
	}
	return outcomeUpdated, nil
}

// changed compares the fields that may move after first sighting
func changed(existing, draft *models.Activity) bool {
	return existing.Title != draft.Title ||
		existing.Metadata.State != draft.Metadata.State ||
		existing.Metadata.Merged != draft.Metadata.Merged ||
		!slices.Equal(existing.Metadata.Labels, draft.Metadata.Labels)
}

// Package approval implements the chat command surface through which users
// review, edit, schedule and reject generated drafts.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/shipnote/shipnote-bot/internal/storage"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotPermitted covers both missing contents and contents owned by someone else
	ErrNotPermitted = errors.New("not found or not permitted")
	// ErrInvalidState is returned when the content's status does not allow the operation
	ErrInvalidState = errors.New("invalid state")
	// ErrValidation is returned for malformed user input
	ErrValidation = errors.New("validation failed")
)

// DraftGenerator writes new drafts on request
type DraftGenerator interface {
	RecentGroup(ctx context.Context, user *models.User, window time.Duration) ([]models.Activity, error)
	Generate(ctx context.Context, user *models.User, activities []models.Activity) (*models.Content, error)
	GenerateWithInstructions(ctx context.Context, user *models.User, activities []models.Activity, instructions string) (*models.Content, error)
}

// Config tunes the processor
type Config struct {
	Location *time.Location
	Window   time.Duration
	Platform models.Platform
}

// Processor applies approval decisions to contents
type Processor struct {
	store     storage.Store
	generator DraftGenerator
	sender    Sender
	location  *time.Location
	window    time.Duration
	platform  models.Platform
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewProcessor creates a processor. generator may be nil, which disables /generate.
func NewProcessor(store storage.Store, generator DraftGenerator, sender Sender, cfg Config, log logrus.FieldLogger) *Processor {
	p := &Processor{
		store:     store,
		generator: generator,
		sender:    sender,
		location:  cfg.Location,
		window:    cfg.Window,
		platform:  cfg.Platform,
		log:       log.WithField("component", "approval"),
		now:       time.Now,
	}
	if p.location == nil {
		p.location = time.UTC
	}
	if p.window <= 0 {
		p.window = 7 * 24 * time.Hour
	}
	if p.platform == "" {
		p.platform = models.PlatformTwitter
	}
	return p
}

// owned loads a content and checks that actor owns it
func (p *Processor) owned(ctx context.Context, actor *models.User, id string) (*models.Content, error) {
	if actor == nil || strings.TrimSpace(id) == "" {
		return nil, ErrNotPermitted
	}
	content, err := p.store.GetContent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotPermitted
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load content %s: %w", id, err)
	}
	if content.UserID != actor.ID {
		return nil, ErrNotPermitted
	}
	return content, nil
}

// Approve moves a draft from the approval gate to approved, due immediately.
// Approving an approved content returns it unchanged.
func (p *Processor) Approve(ctx context.Context, actor *models.User, id string) (*models.Content, error) {
	content, err := p.owned(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return p.approve(ctx, content)
}

func (p *Processor) approve(ctx context.Context, content *models.Content) (*models.Content, error) {
	if content.Status == models.ContentApproved {
		return content, nil
	}

	now := p.now()
	updated, err := p.store.UpdateContent(ctx, content.ID,
		[]models.ContentStatus{models.ContentPending, models.ContentEdited},
		func(c *models.Content) error {
			limit := c.Platform.CharLimit()
			if models.TextLength(c.Text) > limit {
				c.Text = models.Truncate(c.Text, limit)
				c.Generation.Truncated = true
			}
			c.Status = models.ContentApproved
			c.ScheduledFor = &now
			return nil
		})
	if errors.Is(err, storage.ErrStatusConflict) {
		if updated != nil && updated.Status == models.ContentApproved {
			return updated, nil
		}
		return nil, fmt.Errorf("%w: content is %s", ErrInvalidState, statusOf(updated))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to approve content %s: %w", content.ID, err)
	}

	p.log.WithFields(logrus.Fields{"content_id": updated.ID, "user_id": updated.UserID}).Info("Content approved")
	return updated, nil
}

// Reject discards a draft and releases its activities for future drafts.
// Rejecting a rejected content returns it unchanged.
func (p *Processor) Reject(ctx context.Context, actor *models.User, id string) (*models.Content, error) {
	content, err := p.owned(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if content.Status == models.ContentRejected {
		return content, nil
	}

	updated, err := p.store.UpdateContent(ctx, id,
		[]models.ContentStatus{models.ContentPending, models.ContentEdited, models.ContentApproved},
		func(c *models.Content) error {
			c.Status = models.ContentRejected
			c.ScheduledFor = nil
			return nil
		})
	if errors.Is(err, storage.ErrStatusConflict) {
		if updated != nil && updated.Status == models.ContentRejected {
			return updated, nil
		}
		return nil, fmt.Errorf("%w: content is %s", ErrInvalidState, statusOf(updated))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reject content %s: %w", id, err)
	}

	p.releaseActivities(ctx, updated)
	p.log.WithFields(logrus.Fields{"content_id": id, "user_id": updated.UserID}).Info("Content rejected")
	return updated, nil
}

// releaseActivities reverts the rejected content's activities to processed,
// unless another committed content still stands on them
func (p *Processor) releaseActivities(ctx context.Context, rejected *models.Content) {
	now := p.now()
	for _, activityID := range rejected.ActivityIDs {
		log := p.log.WithFields(logrus.Fields{"content_id": rejected.ID, "activity_id": activityID})

		refs, err := p.store.ContentsReferencing(ctx, activityID)
		if err != nil {
			log.Errorf("Failed to check contents for activity: %v", err)
			continue
		}
		held := false
		for _, c := range refs {
			if c.ID != rejected.ID && c.Status.Committed() {
				held = true
				break
			}
		}
		if held {
			continue
		}
		if _, err := p.store.RevertActivity(ctx, activityID, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Errorf("Failed to revert activity: %v", err)
		}
	}
}

// Edit replaces the draft text and sends it back through the approval gate
func (p *Processor) Edit(ctx context.Context, actor *models.User, id, text string) (*models.Content, error) {
	content, err := p.owned(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: new text is empty", ErrValidation)
	}
	if limit := content.Platform.CharLimit(); models.TextLength(text) > limit {
		return nil, fmt.Errorf("%w: text is %d characters, the limit is %d", ErrValidation, models.TextLength(text), limit)
	}

	updated, err := p.store.UpdateContent(ctx, id,
		[]models.ContentStatus{models.ContentPending, models.ContentEdited, models.ContentApproved},
		func(c *models.Content) error {
			if c.OriginalText == "" {
				c.OriginalText = c.Text
			}
			c.Text = text
			c.Status = models.ContentEdited
			c.ScheduledFor = nil
			return nil
		})
	if errors.Is(err, storage.ErrStatusConflict) {
		return nil, fmt.Errorf("%w: content is %s", ErrInvalidState, statusOf(updated))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to edit content %s: %w", id, err)
	}

	p.log.WithFields(logrus.Fields{"content_id": id, "user_id": updated.UserID}).Info("Content edited")
	return updated, nil
}

// Schedule sets the publish time of an approved content
func (p *Processor) Schedule(ctx context.Context, actor *models.User, id, when string) (*models.Content, error) {
	content, err := p.owned(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if content.Status != models.ContentApproved {
		return nil, fmt.Errorf("%w: approve the draft before scheduling it", ErrInvalidState)
	}

	now := p.now()
	loc := p.userLocation(actor)
	at, err := ResolveWhen(when, now, loc, func() time.Time { return p.bestTime(ctx, actor, now, loc) })
	if err != nil {
		return nil, err
	}

	updated, err := p.store.UpdateContent(ctx, id, []models.ContentStatus{models.ContentApproved},
		func(c *models.Content) error {
			c.ScheduledFor = &at
			return nil
		})
	if errors.Is(err, storage.ErrStatusConflict) {
		return nil, fmt.Errorf("%w: content is %s", ErrInvalidState, statusOf(updated))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to schedule content %s: %w", id, err)
	}

	p.log.WithFields(logrus.Fields{"content_id": id, "scheduled_for": at}).Info("Content scheduled")
	return updated, nil
}

// Status returns the actor's content
func (p *Processor) Status(ctx context.Context, actor *models.User, id string) (*models.Content, error) {
	return p.owned(ctx, actor, id)
}

// Pending lists the actor's drafts waiting for review, oldest first
func (p *Processor) Pending(ctx context.Context, actor *models.User, limit int) ([]models.Content, error) {
	contents, err := p.store.ListContents(ctx, storage.ContentFilter{
		UserID:   actor.ID,
		Statuses: []models.ContentStatus{models.ContentPending, models.ContentEdited},
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending contents: %w", err)
	}
	return contents, nil
}

func (p *Processor) bestTime(ctx context.Context, user *models.User, now time.Time, loc *time.Location) time.Time {
	posted, err := p.store.ListContents(ctx, storage.ContentFilter{
		UserID:   user.ID,
		Statuses: []models.ContentStatus{models.ContentPosted},
	})
	if err != nil {
		p.log.WithField("user_id", user.ID).Warnf("Failed to load posting history, using default slots: %v", err)
		posted = nil
	}
	return BestTime(posted, now, loc)
}

func (p *Processor) userLocation(user *models.User) *time.Location {
	if user != nil && user.TimeZone != "" {
		if loc, err := time.LoadLocation(user.TimeZone); err == nil {
			return loc
		}
	}
	return p.location
}

func statusOf(c *models.Content) string {
	if c == nil {
		return "unknown"
	}
	return string(c.Status)
}

// Package publisher posts approved contents to the social platform and keeps
// their engagement numbers fresh.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shipnote/shipnote-bot/internal/approval"
	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/shipnote/shipnote-bot/internal/retry"
	"github.com/shipnote/shipnote-bot/internal/social"
	"github.com/shipnote/shipnote-bot/internal/storage"
	"github.com/sirupsen/logrus"
)

// DefaultAnalyticsWindow is how far back RefreshAnalytics looks by default
const DefaultAnalyticsWindow = 7 * 24 * time.Hour

const (
	// DefaultMaxWait is the longest platform-requested wait a run sleeps through
	DefaultMaxWait = time.Minute
	// DefaultClaimTTL is how long a publishing claim stands before its run is
	// presumed dead
	DefaultClaimTTL = time.Hour
)

var (
	// ErrNotReady is returned for contents that are not approved or not yet due
	ErrNotReady = errors.New("content is not ready to publish")
	// ErrDeferred is returned when the platform asked for a longer wait than
	// the run can afford. The content is approved again and due at the reset.
	ErrDeferred = errors.New("publish deferred")
)

// Platform posts text and reads engagement back
type Platform interface {
	Name() string
	Post(ctx context.Context, token, text string) (*social.PostResult, error)
	Metrics(ctx context.Context, token, postID string) (*models.Analytics, error)
}

// Archiver keeps a copy of every posted content
type Archiver interface {
	ArchivePost(ctx context.Context, c *models.Content) error
}

// Alerter tells the operator about failures
type Alerter interface {
	SendAlert(alert *models.Alert) error
}

// Summary counts the outcome of a PublishDue run
type Summary struct {
	Posted int `json:"posted"`
	Failed int `json:"failed"`
	// Deferred were left approved, because the run was interrupted or the
	// platform asked to wait
	Deferred int `json:"deferred"`
}

// Publisher publishes due contents
type Publisher struct {
	store    storage.Store
	platform Platform
	archive  Archiver
	alerter  Alerter
	sender   approval.Sender
	policy   retry.Policy
	maxWait  time.Duration
	claimTTL time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
}

// Options holds the optional collaborators of a Publisher; nil fields are skipped
type Options struct {
	Archive  Archiver
	Alerter  Alerter
	Sender   approval.Sender
	Retry    retry.Policy
	MaxWait  time.Duration
	ClaimTTL time.Duration
}

// New creates a publisher
func New(store storage.Store, platform Platform, opts Options, log logrus.FieldLogger) *Publisher {
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	return &Publisher{
		store:    store,
		platform: platform,
		archive:  opts.Archive,
		alerter:  opts.Alerter,
		sender:   opts.Sender,
		policy:   opts.Retry,
		maxWait:  opts.MaxWait,
		claimTTL: opts.ClaimTTL,
		log:      log.WithField("component", "publisher"),
		now:      time.Now,
	}
}

// Publish posts an approved, due content. The content is claimed as
// publishing before the platform is called, so a concurrent run or an edit
// cannot touch it mid-post. Retryable platform errors are retried under the
// policy; a rate limit longer than the run can wait reschedules the content
// at the reset and returns ErrDeferred. Any other failure, or running out of
// attempts, moves the content to failed with the reason.
func (p *Publisher) Publish(ctx context.Context, content *models.Content) (*social.PostResult, error) {
	now := p.now()
	if content.Status != models.ContentApproved {
		return nil, fmt.Errorf("%w: status is %s", ErrNotReady, content.Status)
	}
	if content.ScheduledFor == nil || content.ScheduledFor.After(now) {
		return nil, fmt.Errorf("%w: not due yet", ErrNotReady)
	}

	log := p.log.WithFields(logrus.Fields{"content_id": content.ID, "user_id": content.UserID, "platform": p.platform.Name()})

	claimed, err := p.claim(ctx, content.ID, now)
	if err != nil {
		return nil, err
	}

	if !claimed.FitsPlatform() {
		err := fmt.Errorf("text is %d characters, over the %d limit", models.TextLength(claimed.Text), claimed.Platform.CharLimit())
		return nil, p.fail(ctx, claimed, err, log)
	}

	user, err := p.store.GetUser(ctx, claimed.UserID)
	if err != nil {
		p.release(ctx, claimed, nil, log)
		return nil, fmt.Errorf("failed to load owner of content %s: %w", claimed.ID, err)
	}

	var deferFor time.Duration
	retryable := func(err error) bool {
		if !social.IsRetryable(err) {
			return false
		}
		if wait := waitFor(err); wait > p.affordable(ctx) {
			deferFor = wait
			return false
		}
		return true
	}
	notify := func(attempt int, err error, wait time.Duration) {
		log.WithField("attempt", attempt).Warnf("Publish failed, retrying in %s: %v", wait, err)
	}
	result, err := retry.Do(ctx, p.policy, retryable, notify, func(ctx context.Context) (*social.PostResult, error) {
		return p.platform.Post(ctx, user.TwitterAccessToken, claimed.Text)
	})
	if err != nil {
		if ctx.Err() != nil {
			// back to approved; the next run picks it up again
			p.release(ctx, claimed, nil, log)
			return nil, ctx.Err()
		}
		if deferFor > 0 {
			until := p.now().Add(deferFor)
			p.release(ctx, claimed, &until, log)
			log.WithField("until", until).Warnf("Platform asked to wait, deferring: %v", err)
			return nil, fmt.Errorf("%w until %s: %v", ErrDeferred, until.Format(time.RFC3339), err)
		}
		return nil, p.fail(ctx, claimed, err, log)
	}

	// the post is live; record it even if the run is being cancelled
	ctx = context.WithoutCancel(ctx)
	postedAt := p.now()
	posted, err := p.store.UpdateContent(ctx, claimed.ID, []models.ContentStatus{models.ContentPublishing},
		func(c *models.Content) error {
			c.Status = models.ContentPosted
			c.PostID = result.ID
			c.PostURL = result.URL
			c.PostedAt = &postedAt
			c.ScheduledFor = nil
			c.ClaimedAt = nil
			c.FailureReason = ""
			return nil
		})
	if err != nil {
		log.WithField("post_id", result.ID).Errorf("Posted but failed to record it: %v", err)
		return result, fmt.Errorf("failed to mark content %s posted: %w", claimed.ID, err)
	}

	for _, id := range posted.ActivityIDs {
		if _, err := p.store.AdvanceActivity(ctx, id, models.ActivityPublished, postedAt); err != nil && !errors.Is(err, storage.ErrStatusConflict) {
			log.WithField("activity_id", id).Errorf("Failed to mark activity published: %v", err)
		}
	}

	if p.archive != nil {
		if err := p.archive.ArchivePost(ctx, posted); err != nil {
			log.Warnf("Failed to archive post: %v", err)
		}
	}

	log.WithField("post_url", result.URL).Info("Content posted")
	return result, nil
}

// claim moves a due, approved content to publishing. Losing the race to
// another run, or finding the content changed, is ErrNotReady.
func (p *Publisher) claim(ctx context.Context, id string, now time.Time) (*models.Content, error) {
	claimed, err := p.store.UpdateContent(ctx, id, []models.ContentStatus{models.ContentApproved},
		func(c *models.Content) error {
			if c.ScheduledFor == nil || c.ScheduledFor.After(now) {
				return fmt.Errorf("%w: not due yet", ErrNotReady)
			}
			c.Status = models.ContentPublishing
			c.ClaimedAt = &now
			return nil
		})
	switch {
	case errors.Is(err, storage.ErrStatusConflict) && claimed != nil:
		return nil, fmt.Errorf("%w: status is %s", ErrNotReady, claimed.Status)
	case errors.Is(err, ErrNotReady):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("failed to claim content %s: %w", id, err)
	}
	return claimed, nil
}

// release hands a claimed content back to the approved queue, due at until
// when set
func (p *Publisher) release(ctx context.Context, claimed *models.Content, until *time.Time, log logrus.FieldLogger) {
	_, err := p.store.UpdateContent(context.WithoutCancel(ctx), claimed.ID, []models.ContentStatus{models.ContentPublishing},
		func(c *models.Content) error {
			c.Status = models.ContentApproved
			c.ClaimedAt = nil
			if until != nil {
				c.ScheduledFor = until
			}
			return nil
		})
	if err != nil {
		log.Errorf("Failed to release publish claim: %v", err)
	}
}

// affordable is the longest wait this run can sleep through: the configured
// cap, or what is left before ctx expires
func (p *Publisher) affordable(ctx context.Context) time.Duration {
	limit := p.maxWait
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < limit {
			limit = left
		}
	}
	return limit
}

func waitFor(err error) time.Duration {
	var hinter retry.WaitHinter
	if errors.As(err, &hinter) {
		return hinter.RetryAfter()
	}
	return 0
}

// fail records a terminal publish failure of a claimed content and tells the
// operator
func (p *Publisher) fail(ctx context.Context, content *models.Content, cause error, log logrus.FieldLogger) error {
	reason := cause.Error()
	_, err := p.store.UpdateContent(context.WithoutCancel(ctx), content.ID, []models.ContentStatus{models.ContentPublishing},
		func(c *models.Content) error {
			c.Status = models.ContentFailed
			c.FailureReason = reason
			c.ScheduledFor = nil
			c.ClaimedAt = nil
			return nil
		})
	if err != nil {
		log.Errorf("Failed to record publish failure: %v", err)
	}
	log.Errorf("Publish failed: %v", cause)

	if p.alerter != nil {
		alert := &models.Alert{
			ID:        uuid.New().String(),
			Type:      "publish_failed",
			Title:     "Post failed to publish",
			Message:   fmt.Sprintf("Content %s for user %s could not be posted to %s: %s", content.ID, content.UserID, p.platform.Name(), reason),
			Content:   content,
			CreatedAt: p.now(),
		}
		if err := p.alerter.SendAlert(alert); err != nil {
			log.Warnf("Failed to alert operator: %v", err)
		}
	}
	return fmt.Errorf("publish content %s: %w", content.ID, cause)
}

// failAbandoned fails contents whose publish run died holding the claim.
// Whether their post went live is unknown, so they are never posted again
// automatically.
func (p *Publisher) failAbandoned(ctx context.Context, now time.Time) int {
	claimed, err := p.store.ListContents(ctx, storage.ContentFilter{
		Statuses: []models.ContentStatus{models.ContentPublishing},
	})
	if err != nil {
		p.log.Warnf("Failed to list publishing contents: %v", err)
		return 0
	}

	failed := 0
	for i := range claimed {
		c := &claimed[i]
		if c.ClaimedAt != nil && now.Sub(*c.ClaimedAt) < p.claimTTL {
			continue
		}
		log := p.log.WithFields(logrus.Fields{"content_id": c.ID, "user_id": c.UserID})
		cause := errors.New("publish run was interrupted mid-post; check the platform before posting again")
		_ = p.fail(ctx, c, cause, log)
		p.tell(ctx, c, fmt.Sprintf("Could not confirm %s was posted: %s", c.ID, cause))
		failed++
	}
	return failed
}

// PublishDue publishes every approved content whose time has come and tells
// each owner how it went
func (p *Publisher) PublishDue(ctx context.Context) (Summary, error) {
	var summary Summary
	now := p.now()
	summary.Failed += p.failAbandoned(ctx, now)

	due, err := p.store.ListContents(ctx, storage.ContentFilter{
		Statuses:        []models.ContentStatus{models.ContentApproved},
		ScheduledBefore: &now,
	})
	if err != nil {
		return summary, fmt.Errorf("failed to list due contents: %w", err)
	}

	for i := range due {
		content := &due[i]
		if ctx.Err() != nil {
			summary.Deferred += len(due) - i
			return summary, ctx.Err()
		}

		result, err := p.Publish(ctx, content)
		switch {
		case err == nil:
			summary.Posted++
			p.tell(ctx, content, fmt.Sprintf("Posted! %s", result.URL))
		case errors.Is(err, ErrNotReady):
			continue
		case errors.Is(err, ErrDeferred):
			summary.Deferred++
		case ctx.Err() != nil:
			summary.Deferred += len(due) - i
			return summary, ctx.Err()
		case result != nil:
			// live on the platform, bookkeeping failed
			summary.Posted++
		default:
			summary.Failed++
			p.tell(ctx, content, fmt.Sprintf("Could not post %s: %s", content.ID, errors.Unwrap(err)))
		}
	}

	if len(due) > 0 {
		p.log.WithFields(logrus.Fields{"posted": summary.Posted, "failed": summary.Failed, "deferred": summary.Deferred}).Info("Publish run finished")
	}
	return summary, nil
}

func (p *Publisher) tell(ctx context.Context, content *models.Content, text string) {
	if p.sender == nil {
		return
	}
	user, err := p.store.GetUser(ctx, content.UserID)
	if err != nil || user.ChatID == "" {
		return
	}
	if err := p.sender.Send(ctx, user.ChatID, text, approval.SendOptions{}); err != nil {
		p.log.WithField("user_id", user.ID).Warnf("Failed to notify user: %v", err)
	}
}

// RefreshAnalytics updates the engagement snapshot of contents posted within
// window. Failures are logged and never touch the content status.
func (p *Publisher) RefreshAnalytics(ctx context.Context, window time.Duration) (int, error) {
	if window <= 0 {
		window = DefaultAnalyticsWindow
	}
	since := p.now().Add(-window)
	posted, err := p.store.ListContents(ctx, storage.ContentFilter{
		Statuses:    []models.ContentStatus{models.ContentPosted},
		PostedSince: &since,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list posted contents: %w", err)
	}

	tokens := make(map[string]string)
	refreshed := 0
	for _, c := range posted {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if c.PostID == "" {
			continue
		}
		log := p.log.WithFields(logrus.Fields{"content_id": c.ID, "post_id": c.PostID})

		token, ok := tokens[c.UserID]
		if !ok {
			if user, err := p.store.GetUser(ctx, c.UserID); err == nil {
				token = user.TwitterAccessToken
			}
			tokens[c.UserID] = token
		}

		analytics, err := p.platform.Metrics(ctx, token, c.PostID)
		if err != nil {
			log.Debugf("Failed to fetch metrics: %v", err)
			continue
		}
		_, err = p.store.UpdateContent(ctx, c.ID, []models.ContentStatus{models.ContentPosted},
			func(stored *models.Content) error {
				stored.Analytics = *analytics
				return nil
			})
		if err != nil {
			log.Warnf("Failed to save metrics: %v", err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

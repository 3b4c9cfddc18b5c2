// Package pipeline runs the periodic jobs: GitHub sync, draft generation,
// publishing, analytics refresh and the weekly digest.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shipnote/shipnote-bot/internal/generator"
	"github.com/shipnote/shipnote-bot/internal/ingestion"
	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/shipnote/shipnote-bot/internal/notifications"
	"github.com/shipnote/shipnote-bot/internal/publisher"
	"github.com/shipnote/shipnote-bot/internal/sources"
	"github.com/shipnote/shipnote-bot/internal/storage"
	"github.com/sirupsen/logrus"
)

const (
	maxConcurrentFetches = 4
	digestWindow         = 7 * 24 * time.Hour
	digestsKept          = 52
)

// Ingester stores the activities of a fetched event
type Ingester interface {
	IngestForUser(ctx context.Context, user *models.User, event *ingestion.Event) ingestion.Result
}

// Drafter picks activities and writes drafts about them
type Drafter interface {
	NewWorkGroup(ctx context.Context, user *models.User, window time.Duration) ([]models.Activity, error)
	Generate(ctx context.Context, user *models.User, activities []models.Activity) (*models.Content, error)
}

// ApprovalRequester puts a draft in front of its owner
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, user *models.User, content *models.Content) error
}

// Publisher posts due contents and refreshes engagement numbers
type Publisher interface {
	PublishDue(ctx context.Context) (publisher.Summary, error)
	RefreshAnalytics(ctx context.Context, window time.Duration) (int, error)
}

// DigestArchiver keeps a copy of each digest, up to a retention count
type DigestArchiver interface {
	ArchiveDigest(ctx context.Context, d *models.Digest) error
	PruneDigests(ctx context.Context, keep int) (int, error)
}

// Deps are the collaborators of the pipeline. Notifier and Archive may be nil.
type Deps struct {
	Store     storage.Store
	Sources   []sources.Source
	Ingester  Ingester
	Drafter   Drafter
	Approvals ApprovalRequester
	Publisher Publisher
	Notifier  notifications.NotificationInterface
	Archive   DigestArchiver
}

// Config tunes the pipeline windows
type Config struct {
	SyncWindow      time.Duration
	DraftWindow     time.Duration
	AnalyticsWindow time.Duration
}

// Service orchestrates the jobs and keeps run metrics
type Service struct {
	deps    Deps
	cfg     Config
	metrics *Metrics
	mu      sync.RWMutex
	log     logrus.FieldLogger
	now     func() time.Time
}

// Metrics holds pipeline counters
type Metrics struct {
	LastSync           time.Time        `json:"last_sync"`
	LastSyncDuration   string           `json:"last_sync_duration"`
	Ingested           ingestion.Result `json:"ingested"`
	SourceErrors       map[string]int   `json:"source_errors"`
	DraftsGenerated    int              `json:"drafts_generated"`
	FallbackDrafts     int              `json:"fallback_drafts"`
	Posted             int              `json:"posted"`
	PublishFailed      int              `json:"publish_failed"`
	AnalyticsRefreshed int              `json:"analytics_refreshed"`
	LastDigest         time.Time        `json:"last_digest"`
	ErrorCount         int              `json:"error_count"`
}

// NewService creates the pipeline
func NewService(deps Deps, cfg Config, log logrus.FieldLogger) *Service {
	if cfg.SyncWindow <= 0 {
		cfg.SyncWindow = 24 * time.Hour
	}
	if cfg.DraftWindow <= 0 {
		cfg.DraftWindow = 7 * 24 * time.Hour
	}
	if cfg.AnalyticsWindow <= 0 {
		cfg.AnalyticsWindow = publisher.DefaultAnalyticsWindow
	}
	return &Service{
		deps:    deps,
		cfg:     cfg,
		metrics: &Metrics{SourceErrors: make(map[string]int)},
		log:     log.WithField("component", "pipeline"),
		now:     time.Now,
	}
}

type fetchJob struct {
	user   models.User
	source sources.Source
}

type fetchResult struct {
	job    fetchJob
	result ingestion.Result
	err    error
}

// RunSync polls every enabled source for every user with a GitHub credential
// and ingests what it finds. A failing source never stops the others.
func (s *Service) RunSync(ctx context.Context) (ingestion.Result, error) {
	start := s.now()
	s.log.Info("Starting sync run")

	users, err := s.deps.Store.ListUsers(ctx)
	if err != nil {
		s.recordError()
		return ingestion.Result{}, fmt.Errorf("failed to list users: %w", err)
	}

	var jobs []fetchJob
	for _, u := range users {
		if u.GitHubToken == "" {
			continue
		}
		for _, src := range s.deps.Sources {
			if src.IsEnabled() {
				jobs = append(jobs, fetchJob{user: u, source: src})
			}
		}
	}

	since := start.Add(-s.cfg.SyncWindow)
	results := make(chan fetchResult, len(jobs))
	sem := make(chan struct{}, maxConcurrentFetches)
	var wg sync.WaitGroup

	for _, job := range jobs {
		wg.Add(1)
		go func(job fetchJob) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results <- s.syncOne(ctx, job, since)
		}(job)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var total ingestion.Result
	sourceErrors := make(map[string]int)
	failed := 0
	for r := range results {
		if r.err != nil {
			failed++
			sourceErrors[r.job.source.GetName()]++
			continue
		}
		total.Add(r.result)
	}

	s.mu.Lock()
	s.metrics.LastSync = start
	s.metrics.LastSyncDuration = s.now().Sub(start).String()
	s.metrics.Ingested.Add(total)
	for name, n := range sourceErrors {
		s.metrics.SourceErrors[name] += n
	}
	s.metrics.ErrorCount += failed
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"jobs":      len(jobs),
		"failed":    failed,
		"created":   total.Created,
		"updated":   total.Updated,
		"unchanged": total.Unchanged,
	}).Infof("Sync run completed in %v", s.now().Sub(start))

	if len(jobs) > 0 && failed == len(jobs) {
		err := fmt.Errorf("all %d source fetches failed", failed)
		s.alert("sync_failed", "GitHub sync failed", err.Error())
		return total, err
	}
	return total, nil
}

func (s *Service) syncOne(ctx context.Context, job fetchJob, since time.Time) fetchResult {
	log := s.log.WithFields(logrus.Fields{"user_id": job.user.ID, "source": job.source.GetName()})

	events, err := job.source.FetchEvents(ctx, &job.user, since)
	if err != nil {
		log.Errorf("Failed to fetch events: %v", err)
		return fetchResult{job: job, err: err}
	}

	var result ingestion.Result
	for _, event := range events {
		result.Add(s.deps.Ingester.IngestForUser(ctx, &job.user, event))
	}
	log.Debugf("Fetched %d events", len(events))
	return fetchResult{job: job, result: result}
}

// RunDrafting writes one draft per user whose recent unclaimed activity
// includes something new, and sends it for approval
func (s *Service) RunDrafting(ctx context.Context) (int, error) {
	users, err := s.deps.Store.ListUsers(ctx)
	if err != nil {
		s.recordError()
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	drafted, fallbacks, failures := 0, 0, 0
	for i := range users {
		user := &users[i]
		if ctx.Err() != nil {
			break
		}
		if user.ChatID == "" {
			continue
		}
		log := s.log.WithField("user_id", user.ID)

		// rejected drafts free their activities, but only new work triggers a draft
		group, err := s.deps.Drafter.NewWorkGroup(ctx, user, s.cfg.DraftWindow)
		if errors.Is(err, generator.ErrNoActivity) {
			continue
		}
		if err != nil {
			log.Errorf("Failed to collect activity: %v", err)
			failures++
			continue
		}

		content, err := s.deps.Drafter.Generate(ctx, user, group)
		if err != nil {
			log.Errorf("Failed to generate draft: %v", err)
			failures++
			continue
		}
		drafted++
		if content.Generation.GeneratedByFallback {
			fallbacks++
		}

		if err := s.deps.Approvals.RequestApproval(ctx, user, content); err != nil {
			log.WithField("content_id", content.ID).Errorf("Failed to request approval: %v", err)
			failures++
		}
	}

	s.mu.Lock()
	s.metrics.DraftsGenerated += drafted
	s.metrics.FallbackDrafts += fallbacks
	s.metrics.ErrorCount += failures
	s.mu.Unlock()

	if drafted > 0 {
		s.log.WithFields(logrus.Fields{"drafted": drafted, "fallback": fallbacks}).Info("Drafting run completed")
	}
	return drafted, ctx.Err()
}

// RunPublish publishes due contents
func (s *Service) RunPublish(ctx context.Context) (publisher.Summary, error) {
	summary, err := s.deps.Publisher.PublishDue(ctx)

	s.mu.Lock()
	s.metrics.Posted += summary.Posted
	s.metrics.PublishFailed += summary.Failed
	if err != nil {
		s.metrics.ErrorCount++
	}
	s.mu.Unlock()

	return summary, err
}

// RunAnalytics refreshes engagement numbers of recent posts
func (s *Service) RunAnalytics(ctx context.Context) (int, error) {
	n, err := s.deps.Publisher.RefreshAnalytics(ctx, s.cfg.AnalyticsWindow)

	s.mu.Lock()
	s.metrics.AnalyticsRefreshed += n
	if err != nil {
		s.metrics.ErrorCount++
	}
	s.mu.Unlock()

	return n, err
}

// BuildDigest summarizes the contents posted in the last week, best
// performing first
func (s *Service) BuildDigest(ctx context.Context) (*models.Digest, error) {
	now := s.now()
	since := now.Add(-digestWindow)

	posted, err := s.deps.Store.ListContents(ctx, storage.ContentFilter{
		Statuses:    []models.ContentStatus{models.ContentPosted},
		PostedSince: &since,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list posted contents: %w", err)
	}
	failed, err := s.deps.Store.ListContents(ctx, storage.ContentFilter{
		Statuses: []models.ContentStatus{models.ContentFailed},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list failed contents: %w", err)
	}

	sort.SliceStable(posted, func(i, j int) bool {
		return posted[i].Analytics.Engagement() > posted[j].Analytics.Engagement()
	})

	digest := &models.Digest{
		GeneratedAt: now,
		Period:      "week",
		TotalPosts:  len(posted),
		Posts:       posted,
		Summary:     make(map[string]int),
	}
	for _, c := range posted {
		digest.Summary["likes"] += c.Analytics.Likes
		digest.Summary["shares"] += c.Analytics.Shares
		digest.Summary["replies"] += c.Analytics.Replies
		digest.Summary["impressions"] += c.Analytics.Impressions
	}
	for _, c := range failed {
		if !c.UpdatedAt.Before(since) {
			digest.Summary["failed"]++
		}
	}
	for i, c := range posted {
		if i == 3 {
			break
		}
		digest.TopPostTexts = append(digest.TopPostTexts, c.Text)
	}
	return digest, nil
}

// SendDigest builds, archives and sends the weekly digest
func (s *Service) SendDigest(ctx context.Context) error {
	digest, err := s.BuildDigest(ctx)
	if err != nil {
		s.recordError()
		return err
	}

	if s.deps.Archive != nil {
		if err := s.deps.Archive.ArchiveDigest(ctx, digest); err != nil {
			s.log.Warnf("Failed to archive digest: %v", err)
		} else if n, err := s.deps.Archive.PruneDigests(ctx, digestsKept); err != nil {
			s.log.Warnf("Failed to prune old digests: %v", err)
		} else if n > 0 {
			s.log.Debugf("Pruned %d old digests", n)
		}
	}

	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.SendDigest(digest); err != nil {
			s.recordError()
			return fmt.Errorf("failed to send digest: %w", err)
		}
	}

	s.mu.Lock()
	s.metrics.LastDigest = digest.GeneratedAt
	s.mu.Unlock()

	s.log.WithField("posts", digest.TotalPosts).Info("Digest sent")
	return nil
}

func (s *Service) alert(kind, title, message string) {
	if s.deps.Notifier == nil {
		return
	}
	alert := &models.Alert{
		ID:        uuid.New().String(),
		Type:      kind,
		Title:     title,
		Message:   message,
		CreatedAt: s.now(),
	}
	if err := s.deps.Notifier.SendAlert(alert); err != nil {
		s.log.Warnf("Failed to send %s alert: %v", kind, err)
	}
}

func (s *Service) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.ErrorCount++
}

// GetMetrics returns current metrics as JSON
func (s *Service) GetMetrics() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.Marshal(s.metrics)
	if err != nil {
		return `{"error":"failed to marshal metrics"}`
	}
	return string(data)
}

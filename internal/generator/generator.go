// Package generator turns activities into social media drafts using an AI
// provider, with retries and a deterministic fallback.
package generator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shipnote/shipnote-bot/internal/ai"
	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/shipnote/shipnote-bot/internal/retry"
	"github.com/shipnote/shipnote-bot/internal/storage"
	"github.com/sirupsen/logrus"
)

const (
	defaultTemperature   = 0.7
	defaultMaxTokens     = 300
	maxActivitiesPerPost = 10
)

// ErrNoActivity is returned when there is nothing new to write about
var ErrNoActivity = errors.New("no recent activity to write about")

// RepoContextProvider supplies repository metadata for prompt enrichment
type RepoContextProvider interface {
	RepoContext(ctx context.Context, user *models.User, repository string) (*models.RepoContext, error)
}

// Config tunes generation
type Config struct {
	DefaultProvider string
	Retry           retry.Policy
	Platform        models.Platform
	Temperature     float64
	MaxTokens       int
}

// Generator writes drafts into the content store
type Generator struct {
	providers       map[string]ai.Provider
	defaultProvider string
	activities      storage.ActivityStore
	contents        storage.ContentStore
	repoContext     RepoContextProvider
	policy          retry.Policy
	platform        models.Platform
	temperature     float64
	maxTokens       int
	log             logrus.FieldLogger
	now             func() time.Time
}

// New creates a generator. It fails with ai.ErrNotConfigured when the default
// provider is unknown or has no credentials. repoContext may be nil.
func New(providers []ai.Provider, cfg Config, activities storage.ActivityStore, contents storage.ContentStore, repoContext RepoContextProvider, log logrus.FieldLogger) (*Generator, error) {
	g := &Generator{
		providers:       make(map[string]ai.Provider, len(providers)),
		defaultProvider: cfg.DefaultProvider,
		activities:      activities,
		contents:        contents,
		repoContext:     repoContext,
		policy:          cfg.Retry,
		platform:        cfg.Platform,
		temperature:     cfg.Temperature,
		maxTokens:       cfg.MaxTokens,
		log:             log.WithField("component", "generator"),
		now:             time.Now,
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
	}
	if g.platform == "" {
		g.platform = models.PlatformTwitter
	}
	if g.temperature <= 0 {
		g.temperature = defaultTemperature
	}
	if g.maxTokens <= 0 {
		g.maxTokens = defaultMaxTokens
	}

	def, ok := g.providers[cfg.DefaultProvider]
	if !ok || !def.Configured() {
		return nil, fmt.Errorf("default provider %q: %w", cfg.DefaultProvider, ai.ErrNotConfigured)
	}
	return g, nil
}

// selectProvider honours the user's preference when that provider has
// credentials. It returns nil when nothing is configured.
func (g *Generator) selectProvider(user *models.User) ai.Provider {
	if p, ok := g.providers[user.AIProvider]; ok && p.Configured() {
		return p
	}
	if p, ok := g.providers[g.defaultProvider]; ok && p.Configured() {
		return p
	}
	return nil
}

// Generate writes one draft about the given activities
func (g *Generator) Generate(ctx context.Context, user *models.User, activities []models.Activity) (*models.Content, error) {
	return g.generate(ctx, user, activities, "")
}

// GenerateWithInstructions writes one draft following the user's free text
// instructions, enriched with repository metadata when available
func (g *Generator) GenerateWithInstructions(ctx context.Context, user *models.User, activities []models.Activity, instructions string) (*models.Content, error) {
	return g.generate(ctx, user, activities, strings.TrimSpace(instructions))
}

// GenerateFromRecent picks the busiest repository among the user's recent
// unclaimed activities and writes a draft about it
func (g *Generator) GenerateFromRecent(ctx context.Context, user *models.User, window time.Duration) (*models.Content, error) {
	group, err := g.RecentGroup(ctx, user, window)
	if err != nil {
		return nil, err
	}
	return g.Generate(ctx, user, group)
}

// RecentGroup returns the largest per-repository group of the user's pending
// or processed activities within window that no live draft references
func (g *Generator) RecentGroup(ctx context.Context, user *models.User, window time.Duration) ([]models.Activity, error) {
	free, err := g.unclaimed(ctx, user, window)
	if err != nil {
		return nil, err
	}
	return trimGroup(LargestGroup(free))
}

// NewWorkGroup is RecentGroup restricted to repositories with at least one
// pending activity. Activities released by a rejected draft ride along with
// new work in their repository but never outweigh new work elsewhere.
func (g *Generator) NewWorkGroup(ctx context.Context, user *models.User, window time.Duration) ([]models.Activity, error) {
	free, err := g.unclaimed(ctx, user, window)
	if err != nil {
		return nil, err
	}

	fresh := make(map[string]bool)
	for _, a := range free {
		if a.Status == models.ActivityPending {
			fresh[a.Repository] = true
		}
	}
	var eligible []models.Activity
	for _, a := range free {
		if fresh[a.Repository] {
			eligible = append(eligible, a)
		}
	}

	group := LargestGroup(eligible)
	if len(group) > maxActivitiesPerPost {
		// pending first so trimming never drops the new work
		slices.SortStableFunc(group, func(a, b models.Activity) int {
			return pendingRank(a) - pendingRank(b)
		})
	}
	return trimGroup(group)
}

func pendingRank(a models.Activity) int {
	if a.Status == models.ActivityPending {
		return 0
	}
	return 1
}

func trimGroup(group []models.Activity) ([]models.Activity, error) {
	if len(group) == 0 {
		return nil, ErrNoActivity
	}
	if len(group) > maxActivitiesPerPost {
		group = group[:maxActivitiesPerPost]
	}
	return group, nil
}

// unclaimed lists the user's pending or processed activities within window
// that no live draft references
func (g *Generator) unclaimed(ctx context.Context, user *models.User, window time.Duration) ([]models.Activity, error) {
	candidates, err := g.activities.ListActivities(ctx, storage.ActivityFilter{
		UserID:   user.ID,
		Statuses: []models.ActivityStatus{models.ActivityPending, models.ActivityProcessed},
		Since:    g.now().Add(-window),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}

	var free []models.Activity
	for _, a := range candidates {
		claimed, err := g.claimed(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			free = append(free, a)
		}
	}
	return free, nil
}

func (g *Generator) claimed(ctx context.Context, activityID string) (bool, error) {
	refs, err := g.contents.ContentsReferencing(ctx, activityID)
	if err != nil {
		return false, fmt.Errorf("failed to check drafts for activity %s: %w", activityID, err)
	}
	for _, c := range refs {
		if c.Status.Live() {
			return true, nil
		}
	}
	return false, nil
}

// LargestGroup groups activities by repository and returns the biggest group.
// Ties go to the repository seen first; input order is kept inside the group.
func LargestGroup(activities []models.Activity) []models.Activity {
	groups := make(map[string][]models.Activity)
	var order []string
	for _, a := range activities {
		if _, seen := groups[a.Repository]; !seen {
			order = append(order, a.Repository)
		}
		groups[a.Repository] = append(groups[a.Repository], a)
	}

	var best []models.Activity
	for _, repo := range order {
		if len(groups[repo]) > len(best) {
			best = groups[repo]
		}
	}
	return best
}

func (g *Generator) generate(ctx context.Context, user *models.User, activities []models.Activity, instructions string) (*models.Content, error) {
	style := normalizeStyle(user.ContentStyle)
	limit := g.platform.CharLimit()
	log := g.log.WithFields(logrus.Fields{"user_id": user.ID, "activities": len(activities)})

	content := &models.Content{
		UserID:      user.ID,
		ActivityIDs: activityIDs(activities),
		Status:      models.ContentPending,
		Platform:    g.platform,
		Generation: models.GenerationInfo{
			Style:        style,
			Instructions: instructions,
		},
	}

	summary := BuildContext(activities, g.now())
	var prompt string
	if instructions != "" {
		prompt = instructionsPrompt(instructions, summary, g.enrich(ctx, user, activities), limit)
	} else {
		prompt = standardPrompt(summary, style, limit)
	}

	text, err := g.complete(ctx, user, content, ai.Request{
		System:      systemPrompt(style),
		User:        prompt,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err == nil && instructions != "" {
		text = cleanOutput(text, instructions)
	}
	if err == nil && strings.TrimSpace(text) == "" {
		err = ai.ErrEmptyCompletion
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warnf("Generation failed, using fallback template: %v", err)
		text = FallbackText(activities, limit)
		content.Generation.GeneratedByFallback = true
		content.Generation.FallbackReason = err.Error()
	}

	if models.TextLength(text) > limit {
		text = models.Truncate(text, limit)
		content.Generation.Truncated = true
	}
	content.Text = text

	if err := g.contents.InsertContent(ctx, content); err != nil {
		return nil, fmt.Errorf("failed to save content: %w", err)
	}
	g.markProcessed(ctx, activities)

	log.WithFields(logrus.Fields{
		"content_id": content.ID,
		"provider":   content.Generation.Provider,
		"fallback":   content.Generation.GeneratedByFallback,
	}).Info("Generated draft")
	return content, nil
}

// complete calls the selected provider under the retry policy, recording
// each failed attempt in the content's trace
func (g *Generator) complete(ctx context.Context, user *models.User, content *models.Content, req ai.Request) (string, error) {
	provider := g.selectProvider(user)
	if provider == nil {
		return "", ai.ErrNotConfigured
	}
	content.Generation.Provider = provider.Name()
	content.Generation.Model = provider.Model()

	notify := func(attempt int, err error, wait time.Duration) {
		content.Generation.Trace = append(content.Generation.Trace,
			fmt.Sprintf("attempt %d failed: %v (retrying in %s)", attempt, err, wait))
		g.log.WithFields(logrus.Fields{"user_id": user.ID, "provider": provider.Name(), "attempt": attempt}).
			Warnf("Provider call failed, retrying in %s: %v", wait, err)
	}

	text, err := retry.Do(ctx, g.policy, ai.IsRetryable, notify, func(ctx context.Context) (string, error) {
		return provider.Complete(ctx, req)
	})
	if err != nil {
		content.Generation.Trace = append(content.Generation.Trace, fmt.Sprintf("gave up: %v", err))
	}
	return text, err
}

// enrich fetches repository metadata; any failure degrades to no enrichment
func (g *Generator) enrich(ctx context.Context, user *models.User, activities []models.Activity) string {
	if g.repoContext == nil || len(activities) == 0 {
		return ""
	}
	rc, err := g.repoContext.RepoContext(ctx, user, activities[0].Repository)
	if err != nil {
		g.log.WithField("repository", activities[0].Repository).Debugf("Repository enrichment unavailable: %v", err)
		return ""
	}
	return enrichmentText(rc)
}

func (g *Generator) markProcessed(ctx context.Context, activities []models.Activity) {
	now := g.now()
	for _, a := range activities {
		_, err := g.activities.AdvanceActivity(ctx, a.ID, models.ActivityProcessed, now)
		if err != nil && !errors.Is(err, storage.ErrStatusConflict) {
			g.log.WithField("activity_id", a.ID).Errorf("Failed to mark activity processed: %v", err)
		}
	}
}

func activityIDs(activities []models.Activity) []string {
	ids := make([]string, 0, len(activities))
	for _, a := range activities {
		ids = append(ids, a.ID)
	}
	return ids
}

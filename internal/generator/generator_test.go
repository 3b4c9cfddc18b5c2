package generator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shipnote/shipnote-bot/internal/ai"
	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/shipnote/shipnote-bot/internal/retry"
	"github.com/shipnote/shipnote-bot/internal/storage"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name       string
	configured bool
	texts      []string
	errs       []error

	mu       sync.Mutex
	requests []ai.Request
}

func (f *fakeProvider) Name() string     { return f.name }
func (f *fakeProvider) Model() string    { return f.name + "-model" }
func (f *fakeProvider) Configured() bool { return f.configured }

func (f *fakeProvider) Complete(ctx context.Context, req ai.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	if n < len(f.errs) && f.errs[n] != nil {
		return "", f.errs[n]
	}
	if len(f.texts) == 0 {
		return "", nil
	}
	if n >= len(f.texts) {
		return f.texts[len(f.texts)-1], nil
	}
	return f.texts[n], nil
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type mockRepoContext struct {
	mock.Mock
}

func (m *mockRepoContext) RepoContext(ctx context.Context, user *models.User, repository string) (*models.RepoContext, error) {
	args := m.Called(ctx, user, repository)
	rc, _ := args.Get(0).(*models.RepoContext)
	return rc, args.Error(1)
}

var (
	testNow    = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	rateLimit  = &ai.ProviderError{Provider: ai.ProviderOpenAI, Kind: ai.KindRateLimit, StatusCode: 429, Err: errors.New("slow down")}
	badKey     = &ai.ProviderError{Provider: ai.ProviderOpenAI, Kind: ai.KindAuth, StatusCode: 401, Err: errors.New("invalid key")}
)

type fixture struct {
	gen    *Generator
	store  *storage.MemoryStore
	user   *models.User
	openai *fakeProvider
	gemini *fakeProvider
}

func newFixture(t *testing.T, repoCtx RepoContextProvider) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	user := &models.User{GitHubLogin: "octocat", GitHubToken: "t", ChatID: "1"}
	require.NoError(t, store.SaveUser(context.Background(), user))

	f := &fixture{
		store:  store,
		user:   user,
		openai: &fakeProvider{name: ai.ProviderOpenAI, configured: true},
		gemini: &fakeProvider{name: ai.ProviderGemini, configured: true},
	}
	logger, _ := test.NewNullLogger()
	gen, err := New([]ai.Provider{f.openai, f.gemini}, Config{DefaultProvider: ai.ProviderOpenAI, Retry: fastPolicy}, store, store, repoCtx, logger)
	require.NoError(t, err)
	gen.now = func() time.Time { return testNow }
	f.gen = gen
	return f
}

func (f *fixture) addActivities(t *testing.T, repo string, typ models.ActivityType, titles ...string) []models.Activity {
	t.Helper()
	var out []models.Activity
	for i, title := range titles {
		a := &models.Activity{
			UserID:     f.user.ID,
			Type:       typ,
			ExternalID: repo + "-" + title,
			Repository: repo,
			Title:      title,
			OccurredAt: testNow.Add(-time.Duration(i+1) * time.Hour),
		}
		require.NoError(t, f.store.InsertActivity(context.Background(), a))
		out = append(out, *a)
	}
	return out
}

func (f *fixture) statuses(t *testing.T, activities []models.Activity) []models.ActivityStatus {
	t.Helper()
	var out []models.ActivityStatus
	for _, a := range activities {
		stored, err := f.store.GetActivity(context.Background(), a.ID)
		require.NoError(t, err)
		out = append(out, stored.Status)
	}
	return out
}

func TestGenerate_UsesProviderText(t *testing.T) {
	f := newFixture(t, nil)
	activities := f.addActivities(t, "octocat/widgets", models.ActivityCommit, "Add dark mode", "Fix login bug", "Speed up builds")
	reply := strings.Repeat("x", 100) + " #buildinpublic #go"
	require.Len(t, reply, 119)
	f.openai.texts = []string{reply}

	content, err := f.gen.Generate(context.Background(), f.user, activities)
	require.NoError(t, err)

	assert.Equal(t, models.ContentPending, content.Status)
	assert.Equal(t, reply, content.Text)
	assert.False(t, content.Generation.GeneratedByFallback)
	assert.Equal(t, ai.ProviderOpenAI, content.Generation.Provider)
	assert.Len(t, content.ActivityIDs, 3)
	assert.Equal(t, []models.ActivityStatus{models.ActivityProcessed, models.ActivityProcessed, models.ActivityProcessed}, f.statuses(t, activities))

	stored, err := f.store.GetContent(context.Background(), content.ID)
	require.NoError(t, err)
	assert.Equal(t, reply, stored.Text)

	require.Equal(t, 1, f.openai.calls())
	req := f.openai.requests[0]
	assert.Equal(t, 0.7, req.Temperature)
	assert.Equal(t, 300, req.MaxTokens)
	assert.Contains(t, req.User, "Repository: octocat/widgets")
	assert.Contains(t, req.User, "3 commits")
	assert.Contains(t, req.User, "280")
}

func TestGenerate_FallbackAfterRateLimits(t *testing.T) {
	f := newFixture(t, nil)
	activities := f.addActivities(t, "octocat/widgets", models.ActivityCommit, "Add dark mode", "Fix login bug", "Speed up builds")
	f.openai.errs = []error{rateLimit, rateLimit, rateLimit}

	content, err := f.gen.Generate(context.Background(), f.user, activities)
	require.NoError(t, err)

	assert.Equal(t, 3, f.openai.calls())
	assert.Regexp(t, regexp.MustCompile(`^Just made progress on widgets! 3 commits\..*#buildinpublic #widgets$`), content.Text)
	assert.True(t, content.Generation.GeneratedByFallback)
	assert.NotEmpty(t, content.Generation.FallbackReason)
	assert.Len(t, content.Generation.Trace, 3, "two retries and the final give-up")
	assert.Equal(t, models.ContentPending, content.Status)
	assert.Equal(t, []models.ActivityStatus{models.ActivityProcessed, models.ActivityProcessed, models.ActivityProcessed}, f.statuses(t, activities))
}

func TestGenerate_AuthErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	activities := f.addActivities(t, "octocat/widgets", models.ActivityPR, "Add search")
	f.openai.errs = []error{badKey}

	content, err := f.gen.Generate(context.Background(), f.user, activities)
	require.NoError(t, err)
	assert.Equal(t, 1, f.openai.calls())
	assert.True(t, content.Generation.GeneratedByFallback)
	assert.Contains(t, content.Text, "1 PR")
}

func TestGenerate_RecoversAfterTransientError(t *testing.T) {
	f := newFixture(t, nil)
	activities := f.addActivities(t, "octocat/widgets", models.ActivityCommit, "Add dark mode")
	f.openai.errs = []error{rateLimit}
	f.openai.texts = []string{"unused", "Dark mode is live! #buildinpublic"}

	content, err := f.gen.Generate(context.Background(), f.user, activities)
	require.NoError(t, err)
	assert.Equal(t, 2, f.openai.calls())
	assert.Equal(t, "Dark mode is live! #buildinpublic", content.Text)
	assert.False(t, content.Generation.GeneratedByFallback)
	assert.Len(t, content.Generation.Trace, 1)
}

func TestGenerate_TruncatesOverlongOutput(t *testing.T) {
	f := newFixture(t, nil)
	activities := f.addActivities(t, "octocat/widgets", models.ActivityCommit, "Add dark mode")
	f.openai.texts = []string{strings.Repeat("word ", 80)}

	content, err := f.gen.Generate(context.Background(), f.user, activities)
	require.NoError(t, err)
	assert.LessOrEqual(t, models.TextLength(content.Text), 280)
	assert.True(t, content.Generation.Truncated)
	assert.True(t, strings.HasSuffix(content.Text, "…"))
}

func TestGenerate_ProviderSelection(t *testing.T) {
	tests := []struct {
		name             string
		preference       string
		geminiConfigured bool
		want             string
	}{
		{"preference honoured", ai.ProviderGemini, true, ai.ProviderGemini},
		{"unconfigured preference falls back to default", ai.ProviderGemini, false, ai.ProviderOpenAI},
		{"no preference uses default", "", true, ai.ProviderOpenAI},
		{"unknown preference uses default", "claude", true, ai.ProviderOpenAI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.gemini.configured = tt.geminiConfigured
			f.openai.texts = []string{"from openai #x"}
			f.gemini.texts = []string{"from gemini #x"}
			f.user.AIProvider = tt.preference
			activities := f.addActivities(t, "octocat/widgets", models.ActivityCommit, "Init")

			content, err := f.gen.Generate(context.Background(), f.user, activities)
			require.NoError(t, err)
			assert.Equal(t, tt.want, content.Generation.Provider)
			assert.Equal(t, "from "+tt.want+" #x", content.Text)
		})
	}
}

func TestNew_DefaultProviderMustBeConfigured(t *testing.T) {
	store := storage.NewMemoryStore()
	logger, _ := test.NewNullLogger()
	unconfigured := &fakeProvider{name: ai.ProviderOpenAI}

	_, err := New([]ai.Provider{unconfigured}, Config{DefaultProvider: ai.ProviderOpenAI}, store, store, nil, logger)
	assert.ErrorIs(t, err, ai.ErrNotConfigured)

	_, err = New(nil, Config{DefaultProvider: ai.ProviderGemini}, store, store, nil, logger)
	assert.ErrorIs(t, err, ai.ErrNotConfigured)
}

func TestGenerate_NoProviderAtCallTimeFallsBack(t *testing.T) {
	f := newFixture(t, nil)
	activities := f.addActivities(t, "octocat/widgets", models.ActivityRelease, "v1.0.0")
	f.openai.configured = false
	f.gemini.configured = false

	content, err := f.gen.Generate(context.Background(), f.user, activities)
	require.NoError(t, err)
	assert.True(t, content.Generation.GeneratedByFallback)
	assert.Equal(t, 0, f.openai.calls())
	assert.Contains(t, content.Text, "1 release")
}

func TestGenerateFromRecent_PicksLargestUnclaimedGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.openai.texts = []string{"post #x"}

	f.addActivities(t, "octocat/small", models.ActivityCommit, "a", "b")
	big := f.addActivities(t, "octocat/big", models.ActivityCommit, "c", "d", "e")

	content, err := f.gen.GenerateFromRecent(ctx, f.user, 7*24*time.Hour)
	require.NoError(t, err)
	assert.ElementsMatch(t, activityIDs(big), content.ActivityIDs)

	// big is now claimed by a live draft, so small is next
	content, err = f.gen.GenerateFromRecent(ctx, f.user, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, content.ActivityIDs, 2)

	_, err = f.gen.GenerateFromRecent(ctx, f.user, 7*24*time.Hour)
	assert.ErrorIs(t, err, ErrNoActivity)
}

func TestGenerateFromRecent_RejectedDraftFreesActivities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.openai.texts = []string{"post #x"}
	f.addActivities(t, "octocat/widgets", models.ActivityCommit, "a", "b")

	first, err := f.gen.GenerateFromRecent(ctx, f.user, 24*time.Hour)
	require.NoError(t, err)
	_, err = f.store.UpdateContent(ctx, first.ID, nil, func(c *models.Content) error {
		c.Status = models.ContentRejected
		return nil
	})
	require.NoError(t, err)

	second, err := f.gen.GenerateFromRecent(ctx, f.user, 24*time.Hour)
	require.NoError(t, err)
	assert.ElementsMatch(t, first.ActivityIDs, second.ActivityIDs)
}

func TestNewWorkGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	released := f.addActivities(t, "octocat/a", models.ActivityCommit, "a1", "a2", "a3")
	for _, a := range released {
		_, err := f.store.AdvanceActivity(ctx, a.ID, models.ActivityProcessed, testNow)
		require.NoError(t, err)
	}

	_, err := f.gen.NewWorkGroup(ctx, f.user, 7*24*time.Hour)
	assert.ErrorIs(t, err, ErrNoActivity, "released activities alone are not new work")

	fresh := f.addActivities(t, "octocat/b", models.ActivityCommit, "b1")

	group, err := f.gen.RecentGroup(ctx, f.user, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "octocat/a", group[0].Repository)

	group, err = f.gen.NewWorkGroup(ctx, f.user, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, activityIDs(fresh), activityIDs(group))

	more := f.addActivities(t, "octocat/a", models.ActivityCommit, "a4")
	group, err = f.gen.NewWorkGroup(ctx, f.user, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, group, 4, "released activities ride along with new work in their repository")
	assert.Contains(t, activityIDs(group), more[0].ID)
}

func TestNewWorkGroup_TrimmingKeepsPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	titles := make([]string, maxActivitiesPerPost+2)
	for i := range titles {
		titles[i] = fmt.Sprintf("old%d", i)
	}
	for _, a := range f.addActivities(t, "octocat/a", models.ActivityCommit, titles...) {
		_, err := f.store.AdvanceActivity(ctx, a.ID, models.ActivityProcessed, testNow)
		require.NoError(t, err)
	}
	fresh := f.addActivities(t, "octocat/a", models.ActivityCommit, "new")

	group, err := f.gen.NewWorkGroup(ctx, f.user, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, group, maxActivitiesPerPost)
	assert.Equal(t, fresh[0].ID, group[0].ID)
}

func TestLargestGroup_TieGoesToFirstSeen(t *testing.T) {
	activities := []models.Activity{
		{ID: "1", Repository: "o/b"},
		{ID: "2", Repository: "o/a"},
		{ID: "3", Repository: "o/a"},
		{ID: "4", Repository: "o/b"},
	}
	group := LargestGroup(activities)
	require.Len(t, group, 2)
	assert.Equal(t, "o/b", group[0].Repository)
	assert.Equal(t, []string{"1", "4"}, activityIDs(group))
	assert.Empty(t, LargestGroup(nil))
}

func TestGenerateWithInstructions_EnrichesAndCleans(t *testing.T) {
	repoCtx := &mockRepoContext{}
	f := newFixture(t, repoCtx)
	activities := f.addActivities(t, "octocat/widgets", models.ActivityRelease, "v2.0.0")
	repoCtx.On("RepoContext", mock.Anything, mock.Anything, "octocat/widgets").
		Return(&models.RepoContext{Repository: "octocat/widgets", Description: "Tiny widgets for Go", Topics: []string{"go"}}, nil)

	instructions := "Announce the v2 launch today, mention it is faster"
	f.openai.texts = []string{`Here's a tweet: "Announce the v2 launch today. Widgets v2 is out and 3x faster! #golang"`}

	content, err := f.gen.GenerateWithInstructions(context.Background(), f.user, activities, instructions)
	require.NoError(t, err)

	assert.Equal(t, "Widgets v2 is out and 3x faster! #golang", content.Text)
	assert.Equal(t, instructions, content.Generation.Instructions)
	repoCtx.AssertExpectations(t)

	prompt := f.openai.requests[0].User
	assert.True(t, strings.HasPrefix(prompt, instructions), "instructions lead the prompt")
	assert.Contains(t, prompt, "Tiny widgets for Go")
}

func TestGenerateWithInstructions_EnrichmentFailureIsIgnored(t *testing.T) {
	repoCtx := &mockRepoContext{}
	f := newFixture(t, repoCtx)
	activities := f.addActivities(t, "octocat/widgets", models.ActivityCommit, "Init")
	repoCtx.On("RepoContext", mock.Anything, mock.Anything, "octocat/widgets").Return(nil, errors.New("github down"))
	f.openai.texts = []string{"First commit landed #buildinpublic"}

	content, err := f.gen.GenerateWithInstructions(context.Background(), f.user, activities, "Write about the first commit")
	require.NoError(t, err)
	assert.Equal(t, "First commit landed #buildinpublic", content.Text)
	assert.NotContains(t, f.openai.requests[0].User, "Repository background")
}

func TestGenerate_CancelledContextReturnsError(t *testing.T) {
	f := newFixture(t, nil)
	activities := f.addActivities(t, "octocat/widgets", models.ActivityCommit, "Init")
	f.openai.errs = []error{context.Canceled}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.gen.Generate(ctx, f.user, activities)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []models.ActivityStatus{models.ActivityPending}, f.statuses(t, activities))
}

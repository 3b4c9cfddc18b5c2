package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shipnote/shipnote-bot/internal/ai"
	"github.com/shipnote/shipnote-bot/internal/generator"
	"github.com/shipnote/shipnote-bot/internal/ingestion"
	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/shipnote/shipnote-bot/internal/publisher"
	"github.com/shipnote/shipnote-bot/internal/sources"
	"github.com/shipnote/shipnote-bot/internal/storage"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	name    string
	enabled bool
	events  []*ingestion.Event
	err     error

	mu    sync.Mutex
	users []string
	since time.Time
}

func (f *fakeSource) GetName() string { return f.name }
func (f *fakeSource) IsEnabled() bool { return f.enabled }

func (f *fakeSource) FetchEvents(ctx context.Context, user *models.User, since time.Time) ([]*ingestion.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, user.GitHubLogin)
	f.since = since
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

// MockNotificationService is a mock implementation of the notification service
type MockNotificationService struct {
	mock.Mock
}

func (m *MockNotificationService) SendDigest(digest *models.Digest) error {
	args := m.Called(digest)
	return args.Error(0)
}

func (m *MockNotificationService) SendAlert(alert *models.Alert) error {
	args := m.Called(alert)
	return args.Error(0)
}

type fakeDrafter struct {
	groups   map[string][]models.Activity
	fallback bool
	drafted  []string
	windows  []time.Duration
}

func (f *fakeDrafter) NewWorkGroup(ctx context.Context, user *models.User, window time.Duration) ([]models.Activity, error) {
	f.windows = append(f.windows, window)
	group := f.groups[user.ID]
	if len(group) == 0 {
		return nil, generator.ErrNoActivity
	}
	return group, nil
}

func (f *fakeDrafter) Generate(ctx context.Context, user *models.User, activities []models.Activity) (*models.Content, error) {
	f.drafted = append(f.drafted, user.ID)
	return &models.Content{ID: "c-" + user.ID, UserID: user.ID, Generation: models.GenerationInfo{GeneratedByFallback: f.fallback}}, nil
}

type fakeApprovals struct{ requested []string }

func (f *fakeApprovals) RequestApproval(ctx context.Context, user *models.User, content *models.Content) error {
	f.requested = append(f.requested, content.ID)
	return nil
}

type fakePublisher struct {
	summary publisher.Summary
	window  time.Duration
}

func (f *fakePublisher) PublishDue(ctx context.Context) (publisher.Summary, error) {
	return f.summary, nil
}

func (f *fakePublisher) RefreshAnalytics(ctx context.Context, window time.Duration) (int, error) {
	f.window = window
	return 2, nil
}

type fakeArchive struct {
	digests []*models.Digest
	keep    int
}

func (f *fakeArchive) ArchiveDigest(ctx context.Context, d *models.Digest) error {
	f.digests = append(f.digests, d)
	return nil
}

func (f *fakeArchive) PruneDigests(ctx context.Context, keep int) (int, error) {
	f.keep = keep
	return 0, nil
}

func pushEvent(owner string, shas ...string) *ingestion.Event {
	event := &ingestion.Event{Kind: ingestion.EventPush, Owner: owner, Repository: owner + "/app"}
	for _, sha := range shas {
		event.Drafts = append(event.Drafts, models.Activity{
			Type:       models.ActivityCommit,
			ExternalID: sha,
			Repository: owner + "/app",
			Title:      "Commit " + sha,
			OccurredAt: testNow.Add(-time.Hour),
		})
	}
	return event
}

func newService(t *testing.T, deps Deps) *Service {
	t.Helper()
	logger, _ := test.NewNullLogger()
	if deps.Store == nil {
		deps.Store = storage.NewMemoryStore()
	}
	if deps.Ingester == nil {
		deps.Ingester = ingestion.NewService(deps.Store, deps.Store, logger)
	}
	svc := NewService(deps, Config{}, logger)
	svc.now = func() time.Time { return testNow }
	return svc
}

func addUser(t *testing.T, store storage.Store, login, token, chat string) *models.User {
	t.Helper()
	u := &models.User{GitHubLogin: login, GitHubToken: token, ChatID: chat}
	require.NoError(t, store.SaveUser(context.Background(), u))
	return u
}

func TestRunSync_IngestsForUsersWithCredentials(t *testing.T) {
	store := storage.NewMemoryStore()
	addUser(t, store, "alice", "ghp_a", "1")
	addUser(t, store, "bob", "", "2")
	github := &fakeSource{name: "github", enabled: true, events: []*ingestion.Event{pushEvent("alice", "a1", "a2")}}
	disabled := &fakeSource{name: "gitlab"}

	svc := newService(t, Deps{Store: store, Sources: []sources.Source{github, disabled}})

	result, err := svc.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, []string{"alice"}, github.users)
	assert.Equal(t, testNow.Add(-24*time.Hour), github.since)
	assert.Empty(t, disabled.users)

	result, err = svc.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Unchanged)

	var metrics Metrics
	require.NoError(t, json.Unmarshal([]byte(svc.GetMetrics()), &metrics))
	assert.Equal(t, 2, metrics.Ingested.Created)
	assert.Equal(t, 2, metrics.Ingested.Unchanged)
}

func TestRunSync_AllSourcesFailingAlerts(t *testing.T) {
	store := storage.NewMemoryStore()
	addUser(t, store, "alice", "ghp_a", "1")
	notifier := &MockNotificationService{}
	notifier.On("SendAlert", mock.MatchedBy(func(a *models.Alert) bool { return a.Type == "sync_failed" })).Return(nil).Once()

	svc := newService(t, Deps{
		Store:    store,
		Sources:  []sources.Source{&fakeSource{name: "github", enabled: true, err: errors.New("bad credentials")}},
		Notifier: notifier,
	})

	_, err := svc.RunSync(context.Background())
	require.Error(t, err)
	notifier.AssertExpectations(t)
	assert.Contains(t, svc.GetMetrics(), `"github":1`)
}

func TestRunDrafting(t *testing.T) {
	store := storage.NewMemoryStore()
	alice := addUser(t, store, "alice", "ghp_a", "1")
	bob := addUser(t, store, "bob", "ghp_b", "2")
	carol := addUser(t, store, "carol", "ghp_c", "3")
	nochat := addUser(t, store, "dave", "ghp_d", "")

	drafter := &fakeDrafter{fallback: true, groups: map[string][]models.Activity{
		alice.ID:  {{ID: "a1", Status: models.ActivityPending}, {ID: "a2", Status: models.ActivityProcessed}},
		bob.ID:    nil, // only released activities, no new work
		nochat.ID: {{ID: "d1", Status: models.ActivityPending}},
	}}
	approvals := &fakeApprovals{}
	svc := newService(t, Deps{Store: store, Drafter: drafter, Approvals: approvals})

	n, err := svc.RunDrafting(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{alice.ID}, drafter.drafted)
	assert.Equal(t, []string{"c-" + alice.ID}, approvals.requested)
	assert.NotContains(t, drafter.drafted, carol.ID)
	assert.Contains(t, svc.GetMetrics(), `"fallback_drafts":1`)
}

type staticProvider struct{}

func (staticProvider) Name() string     { return ai.ProviderOpenAI }
func (staticProvider) Model() string    { return "test" }
func (staticProvider) Configured() bool { return true }

func (staticProvider) Complete(ctx context.Context, req ai.Request) (string, error) {
	return "Shipped it #buildinpublic", nil
}

func TestRunDrafting_NewWorkBehindReleasedActivities(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	alice := addUser(t, store, "alice", "ghp_a", "1")
	logger, _ := test.NewNullLogger()

	insert := func(repo, sha string, status models.ActivityStatus) *models.Activity {
		a := &models.Activity{UserID: alice.ID, Type: models.ActivityCommit, ExternalID: sha, Repository: repo, Title: sha, OccurredAt: time.Now().Add(-time.Hour)}
		require.NoError(t, store.InsertActivity(ctx, a))
		if status != models.ActivityPending {
			_, err := store.AdvanceActivity(ctx, a.ID, status, testNow)
			require.NoError(t, err)
		}
		return a
	}
	insert("octocat/a", "a1", models.ActivityProcessed)
	insert("octocat/a", "a2", models.ActivityProcessed)
	insert("octocat/a", "a3", models.ActivityProcessed)
	fresh := insert("octocat/b", "b1", models.ActivityPending)

	gen, err := generator.New([]ai.Provider{staticProvider{}}, generator.Config{DefaultProvider: ai.ProviderOpenAI}, store, store, nil, logger)
	require.NoError(t, err)
	approvals := &fakeApprovals{}
	svc := newService(t, Deps{Store: store, Drafter: gen, Approvals: approvals})

	n, err := svc.RunDrafting(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, approvals.requested, 1)

	content, err := store.GetContent(ctx, approvals.requested[0])
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.ID}, content.ActivityIDs)
}

func TestRunPublishAndAnalytics(t *testing.T) {
	pub := &fakePublisher{summary: publisher.Summary{Posted: 2, Failed: 1}}
	svc := newService(t, Deps{Publisher: pub})

	summary, err := svc.RunPublish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Posted)

	n, err := svc.RunAnalytics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, publisher.DefaultAnalyticsWindow, pub.window)

	var metrics Metrics
	require.NoError(t, json.Unmarshal([]byte(svc.GetMetrics()), &metrics))
	assert.Equal(t, 2, metrics.Posted)
	assert.Equal(t, 1, metrics.PublishFailed)
	assert.Equal(t, 2, metrics.AnalyticsRefreshed)
}

func TestSendDigest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	posted := func(text string, likes int, at time.Time) {
		c := &models.Content{UserID: "u1", Text: text}
		require.NoError(t, store.InsertContent(ctx, c))
		_, err := store.UpdateContent(ctx, c.ID, nil, func(c *models.Content) error {
			c.Status = models.ContentApproved
			return nil
		})
		require.NoError(t, err)
		_, err = store.UpdateContent(ctx, c.ID, nil, func(c *models.Content) error {
			c.Status = models.ContentPosted
			c.PostedAt = &at
			c.Analytics = models.Analytics{Likes: likes, Impressions: 10}
			return nil
		})
		require.NoError(t, err)
	}
	posted("quiet", 1, testNow.Add(-24*time.Hour))
	posted("popular", 9, testNow.Add(-48*time.Hour))
	posted("old", 50, testNow.Add(-30*24*time.Hour))

	notifier := &MockNotificationService{}
	notifier.On("SendDigest", mock.Anything).Return(nil).Once()
	archive := &fakeArchive{}
	svc := newService(t, Deps{Store: store, Notifier: notifier, Archive: archive})

	require.NoError(t, svc.SendDigest(ctx))
	notifier.AssertExpectations(t)

	require.Len(t, archive.digests, 1)
	assert.Equal(t, digestsKept, archive.keep)
	digest := archive.digests[0]
	assert.Equal(t, 2, digest.TotalPosts)
	assert.Equal(t, []string{"popular", "quiet"}, digest.TopPostTexts)
	assert.Equal(t, 10, digest.Summary["likes"])
	assert.Equal(t, 20, digest.Summary["impressions"])
}

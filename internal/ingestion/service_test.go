package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/shipnote/shipnote-bot/internal/storage"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *models.User) {
	t.Helper()
	store := storage.NewMemoryStore()
	user := &models.User{GitHubLogin: "octocat", GitHubToken: "ghp_test", ChatID: "100"}
	require.NoError(t, store.SaveUser(context.Background(), user))
	logger, _ := test.NewNullLogger()
	return NewService(store, store, logger), store, user
}

func TestIngest_PushTwiceCreatesActivitiesOnce(t *testing.T) {
	ctx := context.Background()
	svc, store, user := newTestService(t)

	ev, err := Normalize(EventPush, []byte(pushPayload))
	require.NoError(t, err)

	res, err := svc.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, Result{Created: 2}, res)

	again, err := Normalize(EventPush, []byte(pushPayload))
	require.NoError(t, err)
	res, err = svc.Ingest(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, Result{Unchanged: 2}, res)

	activities, err := store.ListActivities(ctx, storage.ActivityFilter{UserID: user.ID})
	require.NoError(t, err)
	require.Len(t, activities, 2)
	for _, a := range activities {
		assert.Equal(t, models.ActivityPending, a.Status)
		assert.Equal(t, user.ID, a.UserID)
	}
}

func TestIngest_UpdatesMutableFieldsInPlace(t *testing.T) {
	ctx := context.Background()
	svc, store, user := newTestService(t)

	open := `{"repository": {"full_name": "octocat/widgets", "owner": {"login": "octocat"}},
	  "pull_request": {"number": 42, "title": "Add search", "state": "open", "merged": false}}`
	merged := `{"repository": {"full_name": "octocat/widgets", "owner": {"login": "octocat"}},
	  "pull_request": {"number": 42, "title": "Add search", "state": "closed", "merged": true, "labels": [{"name": "feature"}]}}`

	ev, err := Normalize(EventPullRequest, []byte(open))
	require.NoError(t, err)
	res, err := svc.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	ev, err = Normalize(EventPullRequest, []byte(merged))
	require.NoError(t, err)
	res, err = svc.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	a, err := store.FindActivityByKey(ctx, models.ActivityKey{UserID: user.ID, Type: models.ActivityPR, Repository: "octocat/widgets", ExternalID: "42"})
	require.NoError(t, err)
	assert.True(t, a.Metadata.Merged)
	assert.Equal(t, "closed", a.Metadata.State)
	assert.Equal(t, []string{"feature"}, a.Metadata.Labels)
	assert.Equal(t, models.ActivityPending, a.Status, "a refresh never touches status")
}

func TestIngest_UpdateKeepsAdvancedStatus(t *testing.T) {
	ctx := context.Background()
	svc, store, user := newTestService(t)

	ev, err := Normalize(EventIssues, []byte(`{"repository": {"full_name": "octocat/widgets", "owner": {"login": "octocat"}}, "issue": {"number": 1, "title": "Bug", "state": "open"}}`))
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, ev)
	require.NoError(t, err)

	a, err := store.FindActivityByKey(ctx, models.ActivityKey{UserID: user.ID, Type: models.ActivityIssue, Repository: "octocat/widgets", ExternalID: "1"})
	require.NoError(t, err)
	_, err = store.AdvanceActivity(ctx, a.ID, models.ActivityProcessed, a.CreatedAt)
	require.NoError(t, err)

	ev, err = Normalize(EventIssues, []byte(`{"repository": {"full_name": "octocat/widgets", "owner": {"login": "octocat"}}, "issue": {"number": 1, "title": "Bug", "state": "closed"}}`))
	require.NoError(t, err)
	res, err := svc.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	a, err = store.GetActivity(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActivityProcessed, a.Status)
}

func TestIngest_SameNumberInDifferentRepositories(t *testing.T) {
	ctx := context.Background()
	svc, store, user := newTestService(t)

	release := func(repo, name string) string {
		return `{"action": "published", "repository": {"full_name": "` + repo + `", "owner": {"login": "octocat"}},
		  "release": {"tag_name": "v1.0.0", "name": "` + name + `"}}`
	}
	for _, payload := range []string{release("octocat/widgets", "Widgets 1.0"), release("octocat/gadgets", "Gadgets 1.0")} {
		ev, err := Normalize(EventRelease, []byte(payload))
		require.NoError(t, err)
		res, err := svc.Ingest(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, Result{Created: 1}, res)
	}

	activities, err := store.ListActivities(ctx, storage.ActivityFilter{UserID: user.ID})
	require.NoError(t, err)
	require.Len(t, activities, 2)
	titles := map[string]string{}
	for _, a := range activities {
		titles[a.Repository] = a.Title
	}
	assert.Equal(t, map[string]string{"octocat/widgets": "Widgets 1.0", "octocat/gadgets": "Gadgets 1.0"}, titles)
}

func TestIngest_DropsUnknownOwnerAndMissingCredential(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	ev, err := Normalize(EventPush, []byte(`{"repository": {"full_name": "stranger/repo", "owner": {"login": "stranger"}}, "commits": [{"id": "x", "message": "y"}]}`))
	require.NoError(t, err)
	res, err := svc.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "unknown owner", res.Dropped)

	noToken := &models.User{GitHubLogin: "notoken"}
	require.NoError(t, store.SaveUser(ctx, noToken))
	ev, err = Normalize(EventPush, []byte(`{"repository": {"full_name": "notoken/repo", "owner": {"login": "notoken"}}, "commits": [{"id": "x", "message": "y"}]}`))
	require.NoError(t, err)
	res, err = svc.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "missing credential", res.Dropped)

	all, err := store.ListActivities(ctx, storage.ActivityFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestWebhookHandler(t *testing.T) {
	const secret = "s3cret"

	tests := []struct {
		name       string
		gate       SignatureGate
		kind       string
		body       string
		signature  func(body []byte) string
		wantStatus int
		wantStored int
	}{
		{
			name:       "valid signature ingests",
			gate:       NewSignatureGate(secret, false),
			kind:       EventPush,
			body:       pushPayload,
			signature:  func(b []byte) string { return Sign(secret, b) },
			wantStatus: http.StatusOK,
			wantStored: 2,
		},
		{
			name:       "bad signature rejected",
			gate:       NewSignatureGate(secret, false),
			kind:       EventPush,
			body:       pushPayload,
			signature:  func(b []byte) string { return Sign("other", b) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing secret in production rejects",
			gate:       NewSignatureGate("", false),
			kind:       EventPush,
			body:       pushPayload,
			signature:  func(b []byte) string { return "" },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "development bypass",
			gate:       NewSignatureGate("", true),
			kind:       EventPush,
			body:       pushPayload,
			signature:  func(b []byte) string { return "" },
			wantStatus: http.StatusOK,
			wantStored: 2,
		},
		{
			name:       "ping acknowledged",
			gate:       NewSignatureGate("", true),
			kind:       EventPing,
			body:       `{"zen": "hi"}`,
			signature:  func(b []byte) string { return "" },
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "malformed payload",
			gate:       NewSignatureGate("", true),
			kind:       EventPush,
			body:       `{"commits": []}`,
			signature:  func(b []byte) string { return "" },
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newTestService(t)
			logger, _ := test.NewNullLogger()
			handler := NewWebhookHandler(svc, tt.gate, logger)

			body := []byte(tt.body)
			req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
			req.Header.Set("X-GitHub-Event", tt.kind)
			if sig := tt.signature(body); sig != "" {
				req.Header.Set("X-Hub-Signature-256", sig)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			all, err := store.ListActivities(context.Background(), storage.ActivityFilter{})
			require.NoError(t, err)
			assert.Len(t, all, tt.wantStored)

			if tt.wantStatus == http.StatusOK {
				var res Result
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
				assert.Equal(t, tt.wantStored, res.Created)
			}
		})
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	assert.True(t, VerifySignature("k", body, Sign("k", body)))
	assert.False(t, VerifySignature("k", body, "sha256=zz"))
	assert.False(t, VerifySignature("k", body, "sha1=abc"))
	assert.False(t, VerifySignature("k", []byte(`{"a":2}`), Sign("k", body)))
}

package ingestion

import (
	"testing"

	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pushPayload = `{
  "ref": "refs/heads/main",
  "repository": {"full_name": "octocat/widgets", "name": "widgets", "owner": {"login": "octocat"}},
  "sender": {"login": "octocat"},
  "commits": [
    {"id": "a1b2c3", "message": "Add dark mode\n\nToggle in settings", "url": "https://github.com/octocat/widgets/commit/a1b2c3", "timestamp": "2026-03-01T10:00:00Z", "author": {"name": "Octo Cat", "username": "octocat"}},
    {"id": "d4e5f6", "message": "Fix flaky login test", "url": "https://github.com/octocat/widgets/commit/d4e5f6", "timestamp": "2026-03-01T11:00:00Z", "author": {"name": "Octo Cat", "username": "octocat"}},
    {"id": "0f0f0f", "message": "Merge branch 'feature' into main", "url": "https://github.com/octocat/widgets/commit/0f0f0f", "timestamp": "2026-03-01T12:00:00Z"}
  ]
}`

func TestNormalize_Push(t *testing.T) {
	ev, err := Normalize(EventPush, []byte(pushPayload))
	require.NoError(t, err)

	assert.Equal(t, "octocat", ev.Owner)
	assert.Equal(t, "octocat/widgets", ev.Repository)
	require.Len(t, ev.Drafts, 2, "merge commits are skipped")

	first := ev.Drafts[0]
	assert.Equal(t, models.ActivityCommit, first.Type)
	assert.Equal(t, "a1b2c3", first.ExternalID)
	assert.Equal(t, "Add dark mode", first.Title)
	assert.Equal(t, "Toggle in settings", first.Description)
	assert.Equal(t, "main", first.Metadata.Branch)
	assert.Equal(t, "octocat", first.Metadata.Author)
	assert.Equal(t, 2026, first.OccurredAt.Year())
}

func TestNormalize_PushVariants(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantRepo  string
		wantOwner string
		wantSHA   string
		wantTitle string
	}{
		{
			name:      "api commit shape",
			payload:   `{"repository": {"full_name": "octocat/widgets", "owner": {"login": "octocat"}}, "commits": [{"sha": "abc", "commit": {"message": "Bump deps", "author": {"name": "Octo", "date": "2026-03-01T10:00:00Z"}}, "html_url": "https://x/abc"}]}`,
			wantRepo:  "octocat/widgets",
			wantOwner: "octocat",
			wantSHA:   "abc",
			wantTitle: "Bump deps",
		},
		{
			name:      "repository without full name",
			payload:   `{"repository": {"name": "widgets", "owner": {"name": "octocat"}}, "commits": [{"id": "abc", "message": "Init"}]}`,
			wantRepo:  "octocat/widgets",
			wantOwner: "octocat",
			wantSHA:   "abc",
			wantTitle: "Init",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize(EventPush, []byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.wantRepo, ev.Repository)
			assert.Equal(t, tt.wantOwner, ev.Owner)
			require.Len(t, ev.Drafts, 1)
			assert.Equal(t, tt.wantSHA, ev.Drafts[0].ExternalID)
			assert.Equal(t, tt.wantTitle, ev.Drafts[0].Title)
		})
	}
}

func TestNormalize_DeletedBranchHasNoDrafts(t *testing.T) {
	payload := `{"deleted": true, "repository": {"full_name": "octocat/widgets", "owner": {"login": "octocat"}}, "commits": [{"id": "abc", "message": "x"}]}`
	ev, err := Normalize(EventPush, []byte(payload))
	require.NoError(t, err)
	assert.Empty(t, ev.Drafts)
}

func TestNormalize_PullRequest(t *testing.T) {
	payload := `{
	  "action": "closed",
	  "repository": {"full_name": "octocat/widgets", "owner": {"login": "octocat"}},
	  "pull_request": {"number": 42, "title": "Add search", "body": "Closes #7", "html_url": "https://github.com/octocat/widgets/pull/42",
	    "state": "closed", "merged": true, "labels": [{"name": "feature"}], "user": {"login": "hubot"}, "head": {"ref": "search"},
	    "additions": 120, "deletions": 8, "changed_files": 5, "updated_at": "2026-03-02T09:00:00Z"}
	}`
	ev, err := Normalize(EventPullRequest, []byte(payload))
	require.NoError(t, err)
	require.Len(t, ev.Drafts, 1)

	pr := ev.Drafts[0]
	assert.Equal(t, models.ActivityPR, pr.Type)
	assert.Equal(t, "42", pr.ExternalID)
	assert.Equal(t, "Add search", pr.Title)
	assert.True(t, pr.Metadata.Merged)
	assert.Equal(t, "closed", pr.Metadata.State)
	assert.Equal(t, []string{"feature"}, pr.Metadata.Labels)
	assert.Equal(t, 120, pr.Metadata.Additions)
	assert.Equal(t, "search", pr.Metadata.Branch)
}

func TestNormalize_PullRequestFromAPIShape(t *testing.T) {
	payload := `{"number": 7, "title": "Refactor", "state": "closed", "merged_at": "2026-03-02T09:00:00Z",
	  "base": {"repo": {"full_name": "octocat/widgets", "owner": {"login": "octocat"}}}}`
	ev, err := Normalize(EventPullRequest, []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "octocat/widgets", ev.Repository)
	require.Len(t, ev.Drafts, 1)
	assert.True(t, ev.Drafts[0].Metadata.Merged)
}

func TestNormalize_Issue(t *testing.T) {
	payload := `{"action": "opened", "repository": {"full_name": "octocat/widgets", "owner": {"login": "octocat"}},
	  "issue": {"number": 9, "title": "Crash on start", "state": "open", "labels": [{"name": "bug"}], "html_url": "https://x/9"}}`
	ev, err := Normalize(EventIssues, []byte(payload))
	require.NoError(t, err)
	require.Len(t, ev.Drafts, 1)
	assert.Equal(t, models.ActivityIssue, ev.Drafts[0].Type)
	assert.Equal(t, "9", ev.Drafts[0].ExternalID)
	assert.Equal(t, []string{"bug"}, ev.Drafts[0].Metadata.Labels)

	prAsIssue := `{"repository": {"full_name": "octocat/widgets", "owner": {"login": "octocat"}},
	  "issue": {"number": 10, "title": "PR", "pull_request": {"url": "https://x"}}}`
	ev, err = Normalize(EventIssues, []byte(prAsIssue))
	require.NoError(t, err)
	assert.Empty(t, ev.Drafts)
}

func TestNormalize_Release(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantDrafts int
	}{
		{"published", `{"action": "published", "repository": {"full_name": "o/r", "owner": {"login": "o"}}, "release": {"tag_name": "v1.0.0", "name": "", "html_url": "https://x"}}`, 1},
		{"edited ignored", `{"action": "edited", "repository": {"full_name": "o/r", "owner": {"login": "o"}}, "release": {"tag_name": "v1.0.0"}}`, 0},
		{"draft ignored", `{"action": "created", "repository": {"full_name": "o/r", "owner": {"login": "o"}}, "release": {"tag_name": "v1.0.0", "draft": true}}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize(EventRelease, []byte(tt.payload))
			require.NoError(t, err)
			assert.Len(t, ev.Drafts, tt.wantDrafts)
			if tt.wantDrafts == 1 {
				assert.Equal(t, "v1.0.0", ev.Drafts[0].ExternalID)
				assert.Equal(t, "v1.0.0", ev.Drafts[0].Title, "empty name falls back to the tag")
			}
		})
	}
}

func TestNormalize_Errors(t *testing.T) {
	_, err := Normalize(EventPush, []byte(`{"commits": []}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = Normalize(EventPush, []byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = Normalize(EventPing, []byte(`{"zen": "Keep it logically awesome."}`))
	assert.ErrorIs(t, err, ErrIgnoredEvent)

	_, err = Normalize("watch", []byte(`{}`))
	assert.ErrorIs(t, err, ErrIgnoredEvent)
}

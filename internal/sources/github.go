package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shipnote/shipnote-bot/internal/ingestion"
	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	defaultGitHubAPI = "https://api.github.com"
	maxSyncRepos     = 10
	readmeExcerptLen = 500
)

// ErrNoCredential is returned when the user has no GitHub token
var ErrNoCredential = errors.New("user has no GitHub credential")

// GitHubSource polls the GitHub REST API for a user's recent activity
type GitHubSource struct {
	client *resty.Client
	log    logrus.FieldLogger
}

// Ensure GitHubSource implements Source
var _ Source = (*GitHubSource)(nil)

// NewGitHubSource creates a new GitHub source
func NewGitHubSource(baseURL string, timeout time.Duration, log logrus.FieldLogger) *GitHubSource {
	if baseURL == "" {
		baseURL = defaultGitHubAPI
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GitHubSource{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/vnd.github+json").
			SetHeader("X-GitHub-Api-Version", "2022-11-28").
			SetHeader("User-Agent", "shipnote-bot/1.0"),
		log: log.WithField("source", "github"),
	}
}

func (g *GitHubSource) GetName() string {
	return "github"
}

func (g *GitHubSource) IsEnabled() bool {
	return g.client != nil
}

// get performs an authenticated GET and returns the raw body
func (g *GitHubSource) get(ctx context.Context, token, path string, query url.Values) ([]byte, error) {
	req := g.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+token)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	resp, err := req.Get(path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("github API %s returned status %d: %s", path, resp.StatusCode(), truncateBody(resp.Body()))
	}
	return resp.Body(), nil
}

// FetchEvents lists commits, pull requests, issues and releases since the
// given time across the user's recently pushed repositories. A failing
// repository is logged and skipped.
func (g *GitHubSource) FetchEvents(ctx context.Context, user *models.User, since time.Time) ([]*ingestion.Event, error) {
	if user.GitHubToken == "" {
		return nil, ErrNoCredential
	}
	log := g.log.WithField("user_id", user.ID)

	body, err := g.get(ctx, user.GitHubToken, "/user/repos", url.Values{
		"sort":        {"pushed"},
		"direction":   {"desc"},
		"affiliation": {"owner"},
		"per_page":    {fmt.Sprint(maxSyncRepos)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}

	var events []*ingestion.Event
	for _, repo := range gjson.ParseBytes(body).Array() {
		pushedAt, _ := time.Parse(time.RFC3339, repo.Get("pushed_at").String())
		if pushedAt.Before(since) {
			continue
		}
		repoEvents, err := g.fetchRepository(ctx, user, repo, since)
		if err != nil {
			log.WithField("repository", repo.Get("full_name").String()).Errorf("Failed to sync repository: %v", err)
			continue
		}
		events = append(events, repoEvents...)
	}

	log.Debugf("Fetched %d events from GitHub", len(events))
	return events, nil
}

func (g *GitHubSource) fetchRepository(ctx context.Context, user *models.User, repo gjson.Result, since time.Time) ([]*ingestion.Event, error) {
	fullName := repo.Get("full_name").String()
	base := "/repos/" + fullName
	sinceParam := since.UTC().Format(time.RFC3339)
	var events []*ingestion.Event

	commits, err := g.get(ctx, user.GitHubToken, base+"/commits", url.Values{
		"since":    {sinceParam},
		"author":   {user.GitHubLogin},
		"per_page": {"50"},
	})
	if err != nil {
		return nil, err
	}
	ev, err := ingestion.NormalizePush(wrap(repo.Raw, "commits", string(commits)))
	if err != nil {
		return nil, err
	}
	if len(ev.Drafts) > 0 {
		events = append(events, ev)
	}

	pulls, err := g.get(ctx, user.GitHubToken, base+"/pulls", url.Values{
		"state":     {"all"},
		"sort":      {"updated"},
		"direction": {"desc"},
		"per_page":  {"30"},
	})
	if err != nil {
		return nil, err
	}
	for _, pr := range gjson.ParseBytes(pulls).Array() {
		if updatedBefore(pr, since) {
			continue
		}
		if ev, err := ingestion.NormalizePullRequest(wrap(repo.Raw, "pull_request", pr.Raw)); err == nil {
			events = append(events, ev)
		}
	}

	issues, err := g.get(ctx, user.GitHubToken, base+"/issues", url.Values{
		"state":    {"all"},
		"since":    {sinceParam},
		"per_page": {"30"},
	})
	if err != nil {
		return nil, err
	}
	for _, issue := range gjson.ParseBytes(issues).Array() {
		if ev, err := ingestion.NormalizeIssue(wrap(repo.Raw, "issue", issue.Raw)); err == nil {
			events = append(events, ev)
		}
	}

	releases, err := g.get(ctx, user.GitHubToken, base+"/releases", url.Values{"per_page": {"10"}})
	if err != nil {
		return nil, err
	}
	for _, release := range gjson.ParseBytes(releases).Array() {
		published, _ := time.Parse(time.RFC3339, release.Get("published_at").String())
		if published.Before(since) {
			continue
		}
		if ev, err := ingestion.NormalizeRelease(wrap(repo.Raw, "release", release.Raw)); err == nil {
			events = append(events, ev)
		}
	}

	return events, nil
}

// RepoContext gathers repository metadata for prompt enrichment
func (g *GitHubSource) RepoContext(ctx context.Context, user *models.User, repository string) (*models.RepoContext, error) {
	if user.GitHubToken == "" {
		return nil, ErrNoCredential
	}
	base := "/repos/" + repository

	body, err := g.get(ctx, user.GitHubToken, base, nil)
	if err != nil {
		return nil, err
	}
	repo := gjson.ParseBytes(body)
	rc := &models.RepoContext{
		Repository:  repository,
		Description: repo.Get("description").String(),
		Language:    repo.Get("language").String(),
		Stars:       int(repo.Get("stargazers_count").Int()),
	}
	for _, topic := range repo.Get("topics").Array() {
		rc.Topics = append(rc.Topics, topic.String())
	}

	if releases, err := g.get(ctx, user.GitHubToken, base+"/releases", url.Values{"per_page": {"3"}}); err == nil {
		for _, r := range gjson.ParseBytes(releases).Array() {
			name := r.Get("name").String()
			if name == "" {
				name = r.Get("tag_name").String()
			}
			rc.LatestReleases = append(rc.LatestReleases, name)
		}
	}

	if issues, err := g.get(ctx, user.GitHubToken, base+"/issues", url.Values{"state": {"open"}, "per_page": {"5"}}); err == nil {
		for _, i := range gjson.ParseBytes(issues).Array() {
			if i.Get("pull_request").Exists() {
				continue
			}
			rc.OpenIssues = append(rc.OpenIssues, i.Get("title").String())
		}
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+user.GitHubToken).
		SetHeader("Accept", "application/vnd.github.raw+json").
		Get(base + "/readme")
	if err == nil && resp.StatusCode() == 200 {
		rc.ReadmeExcerpt = excerpt(string(resp.Body()), readmeExcerptLen)
	}

	return rc, nil
}

// wrap places an API item inside a webhook-shaped envelope so the
// normalizer sees one shape for both paths
func wrap(repoRaw, key, itemRaw string) gjson.Result {
	return gjson.Parse(fmt.Sprintf(`{"repository":%s,%q:%s}`, repoRaw, key, itemRaw))
}

func updatedBefore(item gjson.Result, since time.Time) bool {
	updated, err := time.Parse(time.RFC3339, item.Get("updated_at").String())
	return err == nil && updated.Before(since)
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n])) + "…"
}

func truncateBody(b []byte) string {
	if len(b) > 200 {
		return string(b[:200])
	}
	return string(b)
}

package ingestion

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/tidwall/gjson"
)

var (
	// ErrMalformedPayload is returned when a payload lacks the repository or its owner
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrIgnoredEvent is returned for event kinds that never produce activities
	ErrIgnoredEvent = errors.New("event ignored")
)

// GitHub event kinds as sent in the X-GitHub-Event header
const (
	EventPush        = "push"
	EventPullRequest = "pull_request"
	EventIssues      = "issues"
	EventRelease     = "release"
	EventPing        = "ping"
)

// Event is the canonical form of any accepted payload. Drafts carry no user
// and no status; Ingest fills those in.
type Event struct {
	Kind       string
	Owner      string
	Repository string
	Drafts     []models.Activity
}

// Normalize parses a payload of the given kind into an Event
func Normalize(kind string, payload []byte) (*Event, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedPayload)
	}
	root := gjson.ParseBytes(payload)

	switch kind {
	case EventPush:
		return NormalizePush(root)
	case EventPullRequest:
		return NormalizePullRequest(root)
	case EventIssues:
		return NormalizeIssue(root)
	case EventRelease:
		return NormalizeRelease(root)
	}
	return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, kind)
}

// first returns the first of paths that exists below r
func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// firstString is like first but also skips empty strings
func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := strings.TrimSpace(r.Get(p).String()); s != "" {
			return s
		}
	}
	return ""
}

func firstTime(r gjson.Result, paths ...string) time.Time {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// envelope resolves the repository full name and owner login shared by every kind
func envelope(kind string, root gjson.Result, item gjson.Result) (*Event, error) {
	repo := firstString(root, "repository.full_name")
	if repo == "" {
		owner := firstString(root, "repository.owner.login", "repository.owner.name")
		name := firstString(root, "repository.name")
		if owner != "" && name != "" {
			repo = owner + "/" + name
		}
	}
	if repo == "" && item.Exists() {
		repo = firstString(item, "base.repo.full_name")
	}

	owner := firstString(root, "repository.owner.login", "repository.owner.name", "sender.login")
	if owner == "" && item.Exists() {
		owner = firstString(item, "base.repo.owner.login")
	}
	if owner == "" && strings.Contains(repo, "/") {
		owner = strings.SplitN(repo, "/", 2)[0]
	}

	if repo == "" || owner == "" {
		return nil, fmt.Errorf("%w: missing repository or owner", ErrMalformedPayload)
	}
	return &Event{Kind: kind, Owner: owner, Repository: repo}, nil
}

// splitMessage returns the first line as title and the rest as description
func splitMessage(msg string) (string, string) {
	msg = strings.TrimSpace(msg)
	title, rest, _ := strings.Cut(msg, "\n")
	return strings.TrimSpace(title), strings.TrimSpace(rest)
}

func labelNames(r gjson.Result) []string {
	var labels []string
	r.Get("labels").ForEach(func(_, label gjson.Result) bool {
		name := firstString(label, "name")
		if name == "" && label.Type == gjson.String {
			name = label.String()
		}
		if name != "" {
			labels = append(labels, name)
		}
		return true
	})
	return labels
}

// NormalizePush turns a push payload, or a commit list wrapped in a push
// envelope, into one draft per commit
func NormalizePush(root gjson.Result) (*Event, error) {
	ev, err := envelope(EventPush, root, gjson.Result{})
	if err != nil {
		return nil, err
	}
	if root.Get("deleted").Bool() {
		return ev, nil
	}
	branch := strings.TrimPrefix(firstString(root, "ref"), "refs/heads/")

	root.Get("commits").ForEach(func(_, c gjson.Result) bool {
		sha := firstString(c, "id", "sha")
		msg := first(c, "message", "commit.message").String()
		if sha == "" || strings.HasPrefix(msg, "Merge ") {
			return true
		}
		title, desc := splitMessage(msg)
		ev.Drafts = append(ev.Drafts, models.Activity{
			Type:        models.ActivityCommit,
			ExternalID:  sha,
			Repository:  ev.Repository,
			Title:       title,
			Description: desc,
			URL:         firstString(c, "url", "html_url"),
			OccurredAt:  firstTime(c, "timestamp", "commit.author.date", "commit.committer.date"),
			Metadata: models.ActivityMetadata{
				Author:    firstString(c, "author.username", "author.login", "author.name", "commit.author.name"),
				Branch:    branch,
				Additions: int(first(c, "stats.additions").Int()),
				Deletions: int(first(c, "stats.deletions").Int()),
			},
		})
		return true
	})
	return ev, nil
}

// NormalizePullRequest accepts a pull_request webhook or a single API pull request
func NormalizePullRequest(root gjson.Result) (*Event, error) {
	pr := root.Get("pull_request")
	if !pr.Exists() {
		pr = root
	}
	ev, err := envelope(EventPullRequest, root, pr)
	if err != nil {
		return nil, err
	}
	number := first(pr, "number")
	if !number.Exists() {
		return nil, fmt.Errorf("%w: pull request without number", ErrMalformedPayload)
	}

	merged := pr.Get("merged").Bool() || firstString(pr, "merged_at") != ""
	ev.Drafts = append(ev.Drafts, models.Activity{
		Type:        models.ActivityPR,
		ExternalID:  number.String(),
		Repository:  ev.Repository,
		Title:       firstString(pr, "title"),
		Description: firstString(pr, "body"),
		URL:         firstString(pr, "html_url", "url"),
		OccurredAt:  firstTime(pr, "merged_at", "updated_at", "created_at"),
		Metadata: models.ActivityMetadata{
			Author:       firstString(pr, "user.login"),
			Branch:       firstString(pr, "head.ref"),
			State:        firstString(pr, "state"),
			Merged:       merged,
			Labels:       labelNames(pr),
			Additions:    int(pr.Get("additions").Int()),
			Deletions:    int(pr.Get("deletions").Int()),
			ChangedFiles: int(pr.Get("changed_files").Int()),
		},
	})
	return ev, nil
}

// NormalizeIssue accepts an issues webhook or a single API issue. Issues that
// are really pull requests yield no draft.
func NormalizeIssue(root gjson.Result) (*Event, error) {
	issue := root.Get("issue")
	if !issue.Exists() {
		issue = root
	}
	ev, err := envelope(EventIssues, root, issue)
	if err != nil {
		return nil, err
	}
	if issue.Get("pull_request").Exists() {
		return ev, nil
	}
	number := first(issue, "number")
	if !number.Exists() {
		return nil, fmt.Errorf("%w: issue without number", ErrMalformedPayload)
	}

	ev.Drafts = append(ev.Drafts, models.Activity{
		Type:        models.ActivityIssue,
		ExternalID:  number.String(),
		Repository:  ev.Repository,
		Title:       firstString(issue, "title"),
		Description: firstString(issue, "body"),
		URL:         firstString(issue, "html_url", "url"),
		OccurredAt:  firstTime(issue, "closed_at", "updated_at", "created_at"),
		Metadata: models.ActivityMetadata{
			Author: firstString(issue, "user.login"),
			State:  firstString(issue, "state"),
			Labels: labelNames(issue),
		},
	})
	return ev, nil
}

// NormalizeRelease accepts a release webhook or a single API release. Only
// published or created releases count; drafts are skipped.
func NormalizeRelease(root gjson.Result) (*Event, error) {
	release := root.Get("release")
	if !release.Exists() {
		release = root
	}
	ev, err := envelope(EventRelease, root, release)
	if err != nil {
		return nil, err
	}
	if action := firstString(root, "action"); action != "" && action != "published" && action != "created" {
		return ev, nil
	}
	if release.Get("draft").Bool() {
		return ev, nil
	}
	tag := firstString(release, "tag_name")
	if tag == "" {
		return nil, fmt.Errorf("%w: release without tag", ErrMalformedPayload)
	}

	ev.Drafts = append(ev.Drafts, models.Activity{
		Type:        models.ActivityRelease,
		ExternalID:  tag,
		Repository:  ev.Repository,
		Title:       firstString(release, "name", "tag_name"),
		Description: firstString(release, "body"),
		URL:         firstString(release, "html_url", "url"),
		OccurredAt:  firstTime(release, "published_at", "created_at"),
		Metadata: models.ActivityMetadata{
			Author: firstString(release, "author.login"),
			State:  releaseState(release),
		},
	})
	return ev, nil
}

func releaseState(release gjson.Result) string {
	if release.Get("prerelease").Bool() {
		return "prerelease"
	}
	return "published"
}

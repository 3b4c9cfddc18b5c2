package generator

import (
	"fmt"
	"strings"
	"time"

	"github.com/shipnote/shipnote-bot/internal/models"
)

const titleSummaryLen = 50

// typeCounts counts activities per type in a fixed order
type typeCounts struct {
	commits, prs, issues, releases int
}

func countTypes(activities []models.Activity) typeCounts {
	var c typeCounts
	for _, a := range activities {
		switch a.Type {
		case models.ActivityCommit:
			c.commits++
		case models.ActivityPR:
			c.prs++
		case models.ActivityIssue:
			c.issues++
		case models.ActivityRelease:
			c.releases++
		}
	}
	return c
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, singular)
	}
	return fmt.Sprintf("%d %s", n, pluralForm)
}

// phrases renders the non-zero counts, e.g. "3 commits", "1 PR"
func (c typeCounts) phrases() []string {
	var out []string
	if c.commits > 0 {
		out = append(out, plural(c.commits, "commit", "commits"))
	}
	if c.prs > 0 {
		out = append(out, plural(c.prs, "PR", "PRs"))
	}
	if c.issues > 0 {
		out = append(out, plural(c.issues, "issue", "issues"))
	}
	if c.releases > 0 {
		out = append(out, plural(c.releases, "release", "releases"))
	}
	return out
}

// recency describes how long ago t was in the largest sensible unit
func recency(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d.Minutes()), "minute", "minutes") + " ago"
	case d < 24*time.Hour:
		return plural(int(d.Hours()), "hour", "hours") + " ago"
	default:
		return plural(int(d.Hours()/24), "day", "days") + " ago"
	}
}

// summarizeTitle keeps the first line and cuts it to about 50 characters
func summarizeTitle(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return models.Truncate(strings.TrimSpace(line), titleSummaryLen)
}

func typeLabel(t models.ActivityType) string {
	switch t {
	case models.ActivityCommit:
		return "Commit"
	case models.ActivityPR:
		return "PR"
	case models.ActivityIssue:
		return "Issue"
	case models.ActivityRelease:
		return "Release"
	}
	return string(t)
}

// BuildContext renders the plain text activity summary given to the model
func BuildContext(activities []models.Activity, now time.Time) string {
	if len(activities) == 0 {
		return "No specific repository activity."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n", activities[0].Repository)
	if phrases := countTypes(activities).phrases(); len(phrases) > 0 {
		fmt.Fprintf(&b, "Activity: %s\n", strings.Join(phrases, ", "))
	}

	latest := activities[0].OccurredAt
	for _, a := range activities[1:] {
		if a.OccurredAt.After(latest) {
			latest = a.OccurredAt
		}
	}
	if !latest.IsZero() {
		fmt.Fprintf(&b, "Most recent activity %s\n", recency(now, latest))
	}

	b.WriteString("Details:\n")
	for _, a := range activities {
		line := fmt.Sprintf("- %s: %s", typeLabel(a.Type), summarizeTitle(a.Title))
		switch {
		case a.Type == models.ActivityPR && a.Metadata.Merged:
			line += " (merged)"
		case a.Metadata.State != "" && a.Type == models.ActivityIssue:
			line += " (" + a.Metadata.State + ")"
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// enrichmentText renders repository metadata for the instructions path
func enrichmentText(rc *models.RepoContext) string {
	if rc == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Repository background:\n")
	if rc.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", rc.Description)
	}
	if rc.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", rc.Language)
	}
	if len(rc.Topics) > 0 {
		fmt.Fprintf(&b, "Topics: %s\n", strings.Join(rc.Topics, ", "))
	}
	if len(rc.LatestReleases) > 0 {
		fmt.Fprintf(&b, "Recent releases: %s\n", strings.Join(rc.LatestReleases, ", "))
	}
	if len(rc.OpenIssues) > 0 {
		fmt.Fprintf(&b, "Open issues: %s\n", strings.Join(rc.OpenIssues, "; "))
	}
	if rc.ReadmeExcerpt != "" {
		fmt.Fprintf(&b, "README excerpt: %s\n", rc.ReadmeExcerpt)
	}
	return strings.TrimRight(b.String(), "\n")
}

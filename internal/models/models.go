package models

import "time"

// ActivityType identifies the kind of development event an Activity records
type ActivityType string

const (
	ActivityCommit  ActivityType = "commit"
	ActivityPR      ActivityType = "pr"
	ActivityIssue   ActivityType = "issue"
	ActivityRelease ActivityType = "release"
)

// Activity represents a single development event detected on GitHub
type Activity struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	Type        ActivityType     `json:"type"`
	ExternalID  string           `json:"external_id"` // commit SHA, PR/issue number or release tag
	Repository  string           `json:"repository"`  // "owner/name"
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	URL         string           `json:"url"`
	Status      ActivityStatus   `json:"status"`
	OccurredAt  time.Time        `json:"occurred_at"`
	CreatedAt   time.Time        `json:"created_at"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty"`
	PublishedAt *time.Time       `json:"published_at,omitempty"`
	Metadata    ActivityMetadata `json:"metadata"`
}

// ActivityMetadata holds the type specific details of an activity
type ActivityMetadata struct {
	Author       string   `json:"author,omitempty"`
	Branch       string   `json:"branch,omitempty"`
	State        string   `json:"state,omitempty"`
	Merged       bool     `json:"merged,omitempty"`
	Labels       []string `json:"labels,omitempty"`
	Additions    int      `json:"additions,omitempty"`
	Deletions    int      `json:"deletions,omitempty"`
	ChangedFiles int      `json:"changed_files,omitempty"`
}

// Key returns the natural deduplication key of the activity
func (a *Activity) Key() ActivityKey {
	return ActivityKey{UserID: a.UserID, Type: a.Type, Repository: a.Repository, ExternalID: a.ExternalID}
}

// ActivityKey is the natural key used to deduplicate ingested events.
// PR and issue numbers and release tags are only unique within a
// repository, so the repository is part of the key.
type ActivityKey struct {
	UserID     string
	Type       ActivityType
	Repository string
	ExternalID string
}

// Platform is a social network content is published to
type Platform string

const (
	PlatformTwitter Platform = "twitter"
)

// Content represents a generated social media draft
type Content struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	ActivityIDs   []string       `json:"activity_ids"`
	Text          string         `json:"text"`
	OriginalText  string         `json:"original_text,omitempty"`
	Status        ContentStatus  `json:"status"`
	Platform      Platform       `json:"platform"`
	ScheduledFor  *time.Time     `json:"scheduled_for,omitempty"`
	PostID        string         `json:"post_id,omitempty"`
	PostURL       string         `json:"post_url,omitempty"`
	PostedAt      *time.Time     `json:"posted_at,omitempty"`
	ClaimedAt     *time.Time     `json:"claimed_at,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Analytics     Analytics      `json:"analytics"`
	Generation    GenerationInfo `json:"generation"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Analytics is the last engagement snapshot of a posted content
type Analytics struct {
	Likes       int        `json:"likes"`
	Shares      int        `json:"shares"`
	Replies     int        `json:"replies"`
	Impressions int        `json:"impressions"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// Engagement sums the interactions of the snapshot
func (a Analytics) Engagement() int {
	return a.Likes + a.Shares + a.Replies
}

// GenerationInfo records how a content was produced
type GenerationInfo struct {
	Provider            string   `json:"provider,omitempty"`
	Model               string   `json:"model,omitempty"`
	Style               string   `json:"style,omitempty"`
	Instructions        string   `json:"instructions,omitempty"`
	GeneratedByFallback bool     `json:"generated_by_fallback"`
	FallbackReason      string   `json:"fallback_reason,omitempty"`
	Truncated           bool     `json:"truncated,omitempty"`
	Trace               []string `json:"trace,omitempty"`
}

// HasActivity reports whether the content references the given activity
func (c *Content) HasActivity(activityID string) bool {
	for _, id := range c.ActivityIDs {
		if id == activityID {
			return true
		}
	}
	return false
}

// User is the account owning activities and contents. The core only reads it.
type User struct {
	ID                 string    `json:"id"`
	GitHubLogin        string    `json:"github_login"`
	GitHubToken        string    `json:"-"`
	ChatID             string    `json:"chat_id"`
	AIProvider         string    `json:"ai_provider,omitempty"`   // "openai" or "gemini"
	ContentStyle       string    `json:"content_style,omitempty"` // "professional", "casual", "technical", "enthusiastic"
	AutoApprove        bool      `json:"auto_approve"`
	TwitterAccessToken string    `json:"-"`
	TimeZone           string    `json:"time_zone,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Digest represents the weekly summary of published content
type Digest struct {
	GeneratedAt  time.Time      `json:"generated_at"`
	Period       string         `json:"period"`
	TotalPosts   int            `json:"total_posts"`
	Posts        []Content      `json:"posts"`
	Summary      map[string]int `json:"summary"`
	TopPostTexts []string       `json:"top_posts"`
}

// Alert represents an operator notification about a failure
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // "publish_failed", "sync_failed"
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Content   *Content  `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RepoContext is repository metadata used to enrich generation prompts
type RepoContext struct {
	Repository     string   `json:"repository"`
	Description    string   `json:"description,omitempty"`
	Topics         []string `json:"topics,omitempty"`
	Language       string   `json:"language,omitempty"`
	Stars          int      `json:"stars"`
	LatestReleases []string `json:"latest_releases,omitempty"`
	OpenIssues     []string `json:"open_issues,omitempty"`
	ReadmeExcerpt  string   `json:"readme_excerpt,omitempty"`
}

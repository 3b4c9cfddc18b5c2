package notifications

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shipnote/shipnote-bot/internal/config"
	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

const topPostsInDigest = 5

// mailer sends composed emails
type mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Service handles sending notifications via various channels
type Service struct {
	config *config.Config
	client *resty.Client
	mailer mailer
	log    logrus.FieldLogger
}

// Ensure Service implements NotificationInterface
var _ NotificationInterface = (*Service)(nil)

// TeamsMessage represents a Microsoft Teams message
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Title      string         `json:"title"`
	Text       string         `json:"text"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

type TeamsSection struct {
	ActivityTitle    string      `json:"activityTitle,omitempty"`
	ActivitySubtitle string      `json:"activitySubtitle,omitempty"`
	ActivityText     string      `json:"activityText,omitempty"`
	Facts            []TeamsFact `json:"facts,omitempty"`
	Markdown         bool        `json:"markdown,omitempty"`
}

type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewService creates a new notification service
func NewService(cfg *config.Config, log logrus.FieldLogger) *Service {
	return &Service{
		config: cfg,
		client: resty.New().SetTimeout(30 * time.Second),
		mailer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword),
		log:    log.WithField("component", "notifications"),
	}
}

// Enabled reports whether any channel is configured
func (s *Service) Enabled() bool {
	return s.config.TeamsWebhookURL != "" || s.config.NotificationEmail != ""
}

// SendDigest sends the weekly digest via configured notification channels
func (s *Service) SendDigest(digest *models.Digest) error {
	teams := s.buildDigestTeamsMessage(digest)
	subject := fmt.Sprintf("shipnote weekly digest - %d posts", digest.TotalPosts)

	html, err := renderDigestHTML(digest)
	if err != nil {
		return fmt.Errorf("failed to build email HTML: %w", err)
	}
	return s.send("digest", teams, subject, buildDigestText(digest), html)
}

// SendAlert sends an urgent alert notification
func (s *Service) SendAlert(alert *models.Alert) error {
	teams := &TeamsMessage{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		ThemeColor: "d13438",
		Title:      alert.Title,
		Text:       alert.Message,
	}
	facts := []TeamsFact{
		{Name: "Type", Value: alert.Type},
		{Name: "Time", Value: alert.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC")},
	}
	if alert.Content != nil {
		facts = append(facts,
			TeamsFact{Name: "Content", Value: alert.Content.ID},
			TeamsFact{Name: "User", Value: alert.Content.UserID})
	}
	teams.Sections = []TeamsSection{{Facts: facts}}

	text := fmt.Sprintf("%s\n\n%s\n\nType: %s\nTime: %s\n", alert.Title, alert.Message, alert.Type,
		alert.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	return s.send("alert", teams, "[shipnote alert] "+alert.Title, text, "")
}

// send delivers to every configured channel and joins the failures
func (s *Service) send(kind string, teams *TeamsMessage, subject, text, html string) error {
	var errors []string

	if s.config.TeamsWebhookURL != "" {
		if err := s.sendToTeams(teams); err != nil {
			s.log.Errorf("Failed to send Teams %s: %v", kind, err)
			errors = append(errors, fmt.Sprintf("Teams: %v", err))
		} else {
			s.log.Infof("Sent %s to Teams", kind)
		}
	}

	if s.config.NotificationEmail != "" {
		if err := s.sendEmail(subject, text, html); err != nil {
			s.log.Errorf("Failed to send %s email: %v", kind, err)
			errors = append(errors, fmt.Sprintf("Email: %v", err))
		} else {
			s.log.Infof("Sent %s via email", kind)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errors, "; "))
	}
	return nil
}

func (s *Service) sendToTeams(message *TeamsMessage) error {
	resp, err := s.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(message).
		Post(s.config.TeamsWebhookURL)

	if err != nil {
		return fmt.Errorf("failed to send Teams message: %w", err)
	}

	if resp.StatusCode() != 200 {
		return fmt.Errorf("Teams webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	return nil
}

func (s *Service) buildDigestTeamsMessage(digest *models.Digest) *TeamsMessage {
	message := &TeamsMessage{
		Type:    "MessageCard",
		Context: "https://schema.org/extensions",
		Title:   fmt.Sprintf("shipnote digest - %s", digest.Period),
		Text:    fmt.Sprintf("%d posts published in the last %s", digest.TotalPosts, digest.Period),
	}

	facts := []TeamsFact{
		{Name: "Posts", Value: fmt.Sprintf("%d", digest.TotalPosts)},
		{Name: "Generated", Value: digest.GeneratedAt.UTC().Format("2006-01-02 15:04:05 UTC")},
	}
	for _, key := range summaryKeys {
		facts = append(facts, TeamsFact{Name: summaryLabels[key], Value: fmt.Sprintf("%d", digest.Summary[key])})
	}
	message.Sections = append(message.Sections, TeamsSection{
		ActivityTitle: "Summary",
		Facts:         facts,
		Markdown:      true,
	})

	if len(digest.Posts) > 0 {
		var lines []string
		for i, post := range topPosts(digest) {
			lines = append(lines, fmt.Sprintf("%d. [%s](%s) - %d likes, %d shares, %d replies",
				i+1, models.Truncate(post.Text, 80), post.PostURL, post.Analytics.Likes, post.Analytics.Shares, post.Analytics.Replies))
		}
		message.Sections = append(message.Sections, TeamsSection{
			ActivityTitle: "Top posts",
			ActivityText:  strings.Join(lines, "\n\n"),
			Markdown:      true,
		})
	}

	return message
}

func (s *Service) sendEmail(subject, text, html string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.config.SMTPUsername)
	m.SetHeader("To", s.config.NotificationEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", text)
	if html != "" {
		m.AddAlternative("text/html", html)
	}

	if err := s.mailer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

var summaryKeys = []string{"likes", "shares", "replies", "impressions", "failed"}

var summaryLabels = map[string]string{
	"likes":       "Likes",
	"shares":      "Shares",
	"replies":     "Replies",
	"impressions": "Impressions",
	"failed":      "Failed posts",
}

// topPosts returns the leading posts of the digest, which arrive sorted by engagement
func topPosts(digest *models.Digest) []models.Content {
	if len(digest.Posts) > topPostsInDigest {
		return digest.Posts[:topPostsInDigest]
	}
	return digest.Posts
}

const digestTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>shipnote digest</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .header { background-color: #24292f; color: white; padding: 20px; border-radius: 5px; }
        .summary { background-color: #f5f5f5; padding: 15px; margin: 20px 0; border-radius: 5px; }
        .post { border-left: 4px solid #2da44e; padding: 10px; margin: 10px 0; background-color: #fafafa; }
        .post-meta { color: #666; font-size: 0.9em; }
    </style>
</head>
<body>
    <div class="header">
        <h1>shipnote digest</h1>
        <p>{{.Period}} digest generated on {{.GeneratedAt.Format "January 2, 2006 at 3:04 PM MST"}}</p>
    </div>

    <div class="summary">
        <h2>Summary</h2>
        <p><strong>Posts:</strong> {{.TotalPosts}}</p>
        <p><strong>Likes:</strong> {{index .Summary "likes"}} | <strong>Shares:</strong> {{index .Summary "shares"}} | <strong>Replies:</strong> {{index .Summary "replies"}}</p>
        <p><strong>Impressions:</strong> {{index .Summary "impressions"}}</p>
    </div>

    {{if .Posts}}
    <h2>Top posts</h2>
    {{range $index, $post := .Posts}}
        {{if lt $index 5}}
        <div class="post">
            <p><a href="{{$post.PostURL}}" target="_blank">{{$post.Text}}</a></p>
            <div class="post-meta">
                {{$post.Analytics.Likes}} likes | {{$post.Analytics.Shares}} shares | {{$post.Analytics.Replies}} replies
            </div>
        </div>
        {{end}}
    {{end}}
    {{end}}

    <hr>
    <p><small>This digest was generated automatically by shipnote.</small></p>
</body>
</html>
`

var digestHTML = template.Must(template.New("digest").Parse(digestTemplate))

func renderDigestHTML(digest *models.Digest) (string, error) {
	var buf bytes.Buffer
	if err := digestHTML.Execute(&buf, digest); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildDigestText(digest *models.Digest) string {
	var text strings.Builder

	text.WriteString(fmt.Sprintf("shipnote digest - %s\n", digest.Period))
	text.WriteString(fmt.Sprintf("Generated: %s\n\n", digest.GeneratedAt.UTC().Format("2006-01-02 15:04:05 UTC")))

	text.WriteString("SUMMARY\n")
	text.WriteString("=======\n")
	text.WriteString(fmt.Sprintf("Posts: %d\n", digest.TotalPosts))
	for _, key := range summaryKeys {
		text.WriteString(fmt.Sprintf("%s: %d\n", summaryLabels[key], digest.Summary[key]))
	}

	if len(digest.Posts) > 0 {
		text.WriteString("\nTOP POSTS\n")
		text.WriteString("=========\n")
		for i, post := range topPosts(digest) {
			text.WriteString(fmt.Sprintf("\n%d. %s\n", i+1, post.Text))
			text.WriteString(fmt.Sprintf("   %d likes | %d shares | %d replies\n", post.Analytics.Likes, post.Analytics.Shares, post.Analytics.Replies))
			text.WriteString(fmt.Sprintf("   URL: %s\n", post.PostURL))
		}
	}

	text.WriteString("\n---\nThis digest was generated automatically by shipnote.\n")
	return text.String()
}

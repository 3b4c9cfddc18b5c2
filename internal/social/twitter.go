// Package social publishes approved contents to social platforms
package social

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/shipnote/shipnote-bot/internal/ratelimit"
	"github.com/sirupsen/logrus"
)

const (
	twitterName       = "twitter"
	defaultTwitterURL = "https://api.twitter.com"
	tweetURLFormat    = "https://x.com/i/web/status/%s"
)

// PostResult identifies a published post
type PostResult struct {
	ID  string
	URL string
}

// TwitterClient talks to the X API v2 on behalf of users
type TwitterClient struct {
	client *resty.Client
	spacer *ratelimit.Spacer
	log    logrus.FieldLogger
	now    func() time.Time
}

type tweetResponse struct {
	Data struct {
		ID            string `json:"id"`
		Text          string `json:"text"`
		PublicMetrics struct {
			RetweetCount    int `json:"retweet_count"`
			QuoteCount      int `json:"quote_count"`
			ReplyCount      int `json:"reply_count"`
			LikeCount       int `json:"like_count"`
			ImpressionCount int `json:"impression_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}

type twitterError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (e *twitterError) message() string {
	if e == nil {
		return ""
	}
	if e.Detail != "" {
		return e.Detail
	}
	if len(e.Errors) > 0 {
		return e.Errors[0].Message
	}
	return e.Title
}

// NewTwitterClient creates a client. spacer may be nil.
func NewTwitterClient(baseURL string, timeout time.Duration, spacer *ratelimit.Spacer, log logrus.FieldLogger) *TwitterClient {
	if baseURL == "" {
		baseURL = defaultTwitterURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TwitterClient{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("User-Agent", "shipnote-bot/1.0"),
		spacer: spacer,
		log:    log.WithField("component", "twitter"),
		now:    time.Now,
	}
}

func (t *TwitterClient) Name() string {
	return twitterName
}

// Post publishes text as a new tweet using the user's access token
func (t *TwitterClient) Post(ctx context.Context, token, text string) (*PostResult, error) {
	if token == "" {
		return nil, &APIError{Platform: twitterName, Kind: KindAuth, Message: "no access token linked"}
	}
	if err := t.spacer.Wait(ctx); err != nil {
		return nil, err
	}

	var result tweetResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]string{"text": text}).
		SetResult(&result).
		SetError(&twitterError{}).
		Post("/2/tweets")
	if err != nil {
		return nil, transportError(twitterName, err)
	}
	if resp.IsError() {
		return nil, t.apiError(resp)
	}
	if result.Data.ID == "" {
		return nil, &APIError{Platform: twitterName, Kind: KindServer, StatusCode: resp.StatusCode(), Message: "response carried no tweet id"}
	}

	t.log.WithField("post_id", result.Data.ID).Debug("Tweet created")
	return &PostResult{ID: result.Data.ID, URL: fmt.Sprintf(tweetURLFormat, result.Data.ID)}, nil
}

// Metrics fetches the public engagement counters of a tweet
func (t *TwitterClient) Metrics(ctx context.Context, token, postID string) (*models.Analytics, error) {
	if token == "" {
		return nil, &APIError{Platform: twitterName, Kind: KindAuth, Message: "no access token linked"}
	}
	if err := t.spacer.Wait(ctx); err != nil {
		return nil, err
	}

	var result tweetResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("id", postID).
		SetQueryParam("tweet.fields", "public_metrics").
		SetResult(&result).
		SetError(&twitterError{}).
		Get("/2/tweets/{id}")
	if err != nil {
		return nil, transportError(twitterName, err)
	}
	if resp.IsError() {
		return nil, t.apiError(resp)
	}

	m := result.Data.PublicMetrics
	now := t.now()
	return &models.Analytics{
		Likes:       m.LikeCount,
		Shares:      m.RetweetCount + m.QuoteCount,
		Replies:     m.ReplyCount,
		Impressions: m.ImpressionCount,
		UpdatedAt:   &now,
	}, nil
}

func (t *TwitterClient) apiError(resp *resty.Response) error {
	status := resp.StatusCode()
	apiErr := &APIError{Platform: twitterName, Kind: KindForStatus(status), StatusCode: status}
	if body, ok := resp.Error().(*twitterError); ok {
		apiErr.Message = body.message()
	}
	if apiErr.Message == "" {
		apiErr.Message = resp.Status()
	}
	if apiErr.Kind == KindRateLimit {
		apiErr.Wait = rateLimitWait(resp.Header(), t.now())
		t.log.WithField("wait", apiErr.Wait).Warn("Twitter rate limit hit")
	}
	return apiErr
}

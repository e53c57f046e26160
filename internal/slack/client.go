package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"slack-archive-bot/internal/metrics"
)

const (
	defaultBaseURL = "https://slack.com/api/"
	pageLimit      = 200 // Maximum per page
)

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

type Option func(*Client)

// WithBaseURL points the client at another Web API root, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithRateLimit spaces out API calls; rate.Inf disables the limiter.
func WithRateLimit(every rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(every, burst) }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: defaultBaseURL,
		// Small delay between API calls
		limiter: rate.NewLimiter(rate.Every(150*time.Millisecond), 1),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	// 429 and 5xx are retried with Retry-After honoured.
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 30 * time.Second
	rc.Logger = retryLogger{c.log}
	c.httpClient = rc.StandardClient()
	c.httpClient.Timeout = 60 * time.Second

	return c
}

// AuthTest returns the identity behind the token.
func (c *Client) AuthTest(ctx context.Context) (Identity, error) {
	var resp authTestResponse
	if err := c.get(ctx, "auth.test", nil, &resp); err != nil {
		return Identity{}, err
	}
	return Identity{UserID: resp.UserID, BotID: resp.BotID}, nil
}

// ListUsers fetches every workspace member.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var (
		all    []User
		cursor string
	)
	for {
		params := url.Values{"limit": {strconv.Itoa(pageLimit)}}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var resp usersListResponse
		if err := c.get(ctx, "users.list", params, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Members...)

		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			break
		}
	}
	c.log.Debug().Int("users", len(all)).Msg("listed users")
	return all, nil
}

// ListChannels fetches public channels and, when includePrivate is set,
// the private channels the bot belongs to.
func (c *Client) ListChannels(ctx context.Context, includePrivate bool) ([]Channel, error) {
	types := "public_channel"
	if includePrivate {
		types = "public_channel,private_channel"
	}

	var (
		all    []Channel
		cursor string
	)
	for {
		params := url.Values{
			"types":            {types},
			"exclude_archived": {"false"},
			"limit":            {strconv.Itoa(pageLimit)},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var resp conversationsListResponse
		if err := c.get(ctx, "conversations.list", params, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Channels...)

		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			break
		}
	}
	c.log.Debug().Int("channels", len(all)).Msg("listed channels")
	return all, nil
}

// History fetches one page of a channel's history between oldest and
// latest (both optional Slack timestamps), newest first.
func (c *Client) History(ctx context.Context, channelID, oldest, latest string) (*HistoryPage, error) {
	params := url.Values{
		"channel": {channelID},
		"limit":   {strconv.Itoa(pageLimit)},
	}
	if oldest != "" {
		params.Set("oldest", oldest)
	}
	if latest != "" {
		params.Set("latest", latest)
	}

	var resp historyResponse
	if err := c.get(ctx, "conversations.history", params, &resp); err != nil {
		return nil, err
	}
	return &HistoryPage{Messages: resp.Messages, HasMore: resp.HasMore}, nil
}

func (c *Client) PostMessage(ctx context.Context, channel, text string) error {
	payload := map[string]string{
		"channel": channel,
		"text":    text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "chat.postMessage", nil, bytes.NewReader(body), nil)
}

func (c *Client) get(ctx context.Context, method string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, method, params, nil, out)
}

func (c *Client) do(ctx context.Context, httpMethod, method string, params url.Values, body io.Reader, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + method
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.SlackRequests.WithLabelValues(method, "transport_error").Inc()
		return fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("slack %s: read body: %w", method, err)
	}

	var envelope response
	if err := json.Unmarshal(data, &envelope); err != nil {
		metrics.SlackRequests.WithLabelValues(method, "invalid").Inc()
		return fmt.Errorf("slack %s: decode response (HTTP %d): %w", method, resp.StatusCode, err)
	}
	if !envelope.OK {
		metrics.SlackRequests.WithLabelValues(method, "false").Inc()
		return &APIError{Method: method, Code: envelope.Error}
	}
	metrics.SlackRequests.WithLabelValues(method, "true").Inc()

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("slack %s: decode payload: %w", method, err)
	}
	return nil
}

// retryLogger adapts zerolog to retryablehttp.LeveledLogger.
type retryLogger struct {
	log zerolog.Logger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.log.Error().Fields(kv).Msg(msg) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.log.Debug().Fields(kv).Msg(msg) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.log.Trace().Fields(kv).Msg(msg) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.log.Warn().Fields(kv).Msg(msg) }

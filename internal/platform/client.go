// Package platform is the HTTP client for the Threads Graph API.
//
// Publishing is two calls: create a media container, then publish it. Only
// read-only calls are retried here; publish-side retries would risk a
// duplicate post and are left to the next scheduled invocation.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"

	logx "postpilot/pkg/logx"
)

const (
	DefaultBaseURL  = "https://graph.threads.net/v1.0"
	DefaultTokenURL = "https://graph.threads.net/access_token"

	maxErrorBody    = 4 << 10
	maxErrorMessage = 200 // runes
)

type Config struct {
	BaseURL     string
	TokenURL    string
	UserID      string
	AccessToken string

	Timeout time.Duration
	// RequestsPerSecond paces every request; <= 0 disables pacing.
	RequestsPerSecond float64
	// ReadRetries bounds retries of list and token calls.
	ReadRetries int
	UserAgent   string
}

type CreateRequest struct {
	Text      string
	ReplyToID string
	TopicTag  string
}

// RemotePost is one item of the account's recent publications.
type RemotePost struct {
	ID        string
	Text      string
	Timestamp time.Time
}

type Token struct {
	AccessToken string
	TokenType   string
	ExpiresIn   time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	listExec  failsafe.Executor[[]RemotePost]
	tokenExec failsafe.Executor[Token]
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithRetryBackoff overrides the backoff of read retries (tests use tiny delays).
func WithRetryBackoff(base, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.listExec = failsafe.With(readPolicy[[]RemotePost](c.cfg.ReadRetries, base, maxDelay))
		c.tokenExec = failsafe.With(readPolicy[Token](c.cfg.ReadRetries, base, maxDelay))
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("platform user id is required")
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("platform access token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ReadRetries < 0 {
		cfg.ReadRetries = 0
	}

	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logx.Nop(),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	c.listExec = failsafe.With(readPolicy[[]RemotePost](cfg.ReadRetries, 500*time.Millisecond, 10*time.Second))
	c.tokenExec = failsafe.With(readPolicy[Token](cfg.ReadRetries, 500*time.Millisecond, 10*time.Second))
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func readPolicy[T any](retries int, base, maxDelay time.Duration) retrypolicy.RetryPolicy[T] {
	if maxDelay < base {
		maxDelay = base
	}
	return retrypolicy.NewBuilder[T]().
		WithBackoff(base, maxDelay).
		WithMaxRetries(retries).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool { return IsTransient(err) }).
		Build()
}

func (c *Client) UserID() string { return c.cfg.UserID }

// CreateContainer is phase one of a publish. It returns the container id.
func (c *Client) CreateContainer(ctx context.Context, req CreateRequest) (string, error) {
	const op = "create container"
	form := url.Values{}
	form.Set("media_type", "TEXT")
	form.Set("text", req.Text)
	if req.ReplyToID != "" {
		form.Set("reply_to_id", req.ReplyToID)
	}
	if req.TopicTag != "" {
		form.Set("topic_tag", req.TopicTag)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, op, http.MethodPost, c.userURL("threads", nil), form, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", &TransientError{Op: op, Msg: "empty container id"}
	}
	return out.ID, nil
}

// PublishContainer is phase two. It returns the published post id.
func (c *Client) PublishContainer(ctx context.Context, containerID string) (string, error) {
	const op = "publish container"
	form := url.Values{}
	form.Set("creation_id", containerID)
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, op, http.MethodPost, c.userURL("threads_publish", nil), form, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", &TransientError{Op: op, Msg: "empty published id"}
	}
	return out.ID, nil
}

// ListRecentPosts returns up to n of the account's latest posts, newest first.
func (c *Client) ListRecentPosts(ctx context.Context, n int) ([]RemotePost, error) {
	const op = "list posts"
	if n <= 0 {
		return nil, nil
	}
	if n > 100 {
		n = 100
	}
	q := url.Values{}
	q.Set("fields", "id,text,timestamp")
	q.Set("limit", strconv.Itoa(n))
	target := c.userURL("threads", q)

	return c.listExec.WithContext(ctx).Get(func() ([]RemotePost, error) {
		var out struct {
			Data []struct {
				ID        string `json:"id"`
				Text      string `json:"text"`
				Timestamp string `json:"timestamp"`
			} `json:"data"`
		}
		if err := c.do(ctx, op, http.MethodGet, target, nil, &out); err != nil {
			return nil, err
		}
		posts := make([]RemotePost, 0, len(out.Data))
		for _, d := range out.Data {
			if d.ID == "" {
				continue
			}
			posts = append(posts, RemotePost{ID: d.ID, Text: d.Text, Timestamp: parseTimestamp(d.Timestamp)})
		}
		return posts, nil
	})
}

// RefreshToken exchanges the current long-lived token for a fresh one.
func (c *Client) RefreshToken(ctx context.Context) (Token, error) {
	const op = "refresh token"
	q := url.Values{}
	q.Set("grant_type", "th_refresh_token")
	q.Set("access_token", c.cfg.AccessToken)
	target := c.cfg.TokenURL + "?" + q.Encode()

	return c.tokenExec.WithContext(ctx).Get(func() (Token, error) {
		var out struct {
			AccessToken string `json:"access_token"`
			TokenType   string `json:"token_type"`
			ExpiresIn   int64  `json:"expires_in"`
		}
		if err := c.do(ctx, op, http.MethodGet, target, nil, &out); err != nil {
			return Token{}, err
		}
		if out.AccessToken == "" {
			return Token{}, &TransientError{Op: op, Msg: "empty access token"}
		}
		return Token{
			AccessToken: out.AccessToken,
			TokenType:   out.TokenType,
			ExpiresIn:   time.Duration(out.ExpiresIn) * time.Second,
		}, nil
	})
}

func (c *Client) userURL(edge string, q url.Values) string {
	u := c.cfg.BaseURL + "/" + url.PathEscape(c.cfg.UserID) + "/" + edge
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, op, method, target string, form url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return transportError(op, err)
		}
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &PermanentError{Op: op, Err: err}
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("platform request failed", logx.String("op", op), logx.Err(err))
		return transportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.log.Debug("platform request",
		logx.String("op", op),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(op, resp.StatusCode, apiMessage(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Op: op, Status: resp.StatusCode, Msg: "malformed response", Err: err}
	}
	return nil
}

// apiMessage extracts the Graph API error message, falling back to the raw body.
func apiMessage(b []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(b, &env); err == nil && env.Error.Message != "" {
		if env.Error.Code != 0 {
			return fmt.Sprintf("%s (code %d)", env.Error.Message, env.Error.Code)
		}
		return env.Error.Message
	}
	// The body may be cut mid-rune by maxErrorBody.
	s := strings.ToValidUTF8(strings.TrimSpace(string(b)), "")
	if r := []rune(s); len(r) > maxErrorMessage {
		s = string(r[:maxErrorMessage])
	}
	return s
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Package api implements the REST client for the chat server. Every
// authenticated call goes through the refresh middleware in do: a 401
// triggers at most one credential refresh (single-flight across
// concurrent callers) followed by at most one replay of the original
// request.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mikhailofff/chat-sync/internal/chaterr"
	"github.com/mikhailofff/chat-sync/internal/creds"
)

const requestTimeout = 30 * time.Second

// The server throttles at 100 requests per minute per client. Pacing
// slightly under that avoids tripping it during catch-up bursts; a 429
// that still arrives is surfaced, never retried.
const (
	requestsPerMinute = 90
	requestBurst      = 10
)

// request describes one REST call before credentials are attached.
type request struct {
	method string
	path   string
	query  url.Values
	body   any        // JSON-encoded when form is nil
	form   url.Values // form-encoded body (token endpoint)
}

// Client talks to the chat REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	store      *creds.Store
	logger     *slog.Logger

	// refreshGroup collapses concurrent 401 recoveries into a single
	// refresh call whose result every waiter observes.
	refreshGroup singleflight.Group

	limiter *rate.Limiter

	// onSignOut fires exactly when a refresh itself fails, after the
	// credential store has been cleared.
	onSignOut func()
}

// NewClient creates a client for the given base URL ("http://host/",
// trailing slash required). The cookie jar carries the durable session
// cookie that authorizes refresh.
func NewClient(baseURL string, store *creds.Store, logger *slog.Logger) *Client {
	jar, _ := cookiejar.New(nil)

	return &Client{
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: requestTimeout,
		},
		baseURL: baseURL,
		store:   store,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestBurst),
	}
}

// SetOnSignOut registers the hook invoked when the session becomes
// unrecoverable.
func (c *Client) SetOnSignOut(fn func()) {
	c.onSignOut = fn
}

// send issues one HTTP request with the given bearer token attached
// (empty token means no Authorization header). It returns the status
// and the full body; any error is transport-level.
func (c *Client) send(ctx context.Context, req request, token string) (int, []byte, error) {
	var (
		payload     io.Reader
		contentType string
	)

	switch {
	case req.form != nil:
		payload = strings.NewReader(req.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.body != nil:
		data, err := json.Marshal(req.body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshalling request body: %w", err)
		}
		payload = bytes.NewReader(data)
		contentType = "application/json"
	}

	endpoint := c.baseURL + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, payload)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("sending request to %s: %w", req.path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response from %s: %w", req.path, err)
	}

	return resp.StatusCode, respBody, nil
}

// do runs req through the refresh middleware and decodes a 2xx body
// into result (which may be nil). Non-2xx outcomes come back as
// *chaterr.Error.
func (c *Client) do(ctx context.Context, req request, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return chaterr.Transport(err)
	}

	var token string
	if cred, ok := c.store.Load(); ok {
		token = cred.Value
	}

	status, body, err := c.send(ctx, req, token)
	if err != nil {
		return chaterr.Transport(err)
	}

	if status == http.StatusUnauthorized {
		newToken, refreshErr := c.refreshCredential(ctx)
		if refreshErr != nil {
			return chaterr.Auth(chaterr.ReasonOf(refreshErr))
		}

		// Exactly one replay. If it 401s again the failure is final;
		// no further refresh is attempted for this call.
		status, body, err = c.send(ctx, req, newToken)
		if err != nil {
			return chaterr.Transport(err)
		}

		if status == http.StatusUnauthorized {
			return chaterr.Auth(extractDetail(body))
		}
	}

	return decodeOutcome(req.path, status, body, result)
}

// refreshCredential obtains a fresh access token, deduplicating
// concurrent attempts: while one refresh is in flight every other 401
// waits on its outcome instead of issuing another call. Refresh
// failure clears the credential store and signals sign-out.
func (c *Client) refreshCredential(ctx context.Context) (string, error) {
	v, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		c.logger.Debug("refreshing credential")

		// The winning caller's cancellation must not fail the shared
		// refresh for every waiter; the http client timeout still
		// bounds the detached call.
		ctx := context.WithoutCancel(ctx)

		// No bearer here: refresh is authorized by the durable session
		// cookie alone.
		status, body, err := c.send(ctx, request{method: http.MethodPost, path: "refresh"}, "")
		if err != nil || status != http.StatusOK {
			if clearErr := c.store.Clear(); clearErr != nil {
				c.logger.Warn("clearing credentials", slog.String("error", clearErr.Error()))
			}
			if c.onSignOut != nil {
				c.onSignOut()
			}
			if err != nil {
				c.logger.Warn("refresh failed", slog.String("error", err.Error()))
				return nil, fmt.Errorf("refreshing credential: %w", err)
			}
			c.logger.Warn("refresh rejected", slog.Int("status", status))
			return nil, fmt.Errorf("refresh rejected (%d): %s", status, extractDetail(body))
		}

		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
			_ = c.store.Clear()
			if c.onSignOut != nil {
				c.onSignOut()
			}
			return nil, fmt.Errorf("decoding refresh response: %w", err)
		}

		cred := creds.Credential{
			Value:  tr.AccessToken,
			Expiry: creds.ExpiryFromToken(tr.AccessToken),
		}
		if err := c.store.Save(cred); err != nil {
			return nil, fmt.Errorf("persisting refreshed credential: %w", err)
		}

		c.logger.Debug("credential refreshed")

		return tr.AccessToken, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// decodeOutcome classifies a completed response and decodes success
// bodies into result.
func decodeOutcome(path string, status int, body []byte, result any) error {
	switch {
	case status >= 200 && status < 300:
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
		return nil

	case status == http.StatusTooManyRequests:
		return chaterr.RateLimited(extractDetail(body))

	default:
		return chaterr.Validation(status, extractDetail(body))
	}
}

// extractDetail pulls the server's human-readable message out of an
// error body, best-effort. FastAPI puts it under "detail", either as a
// string or as a validation array whose entries carry "msg".
func extractDetail(body []byte) string {
	detail := gjson.GetBytes(body, "detail")
	switch {
	case detail.Type == gjson.String:
		return detail.String()
	case detail.IsArray():
		if msg := detail.Get("0.msg"); msg.Exists() {
			return msg.String()
		}
	}

	return ""
}

// SignIn authenticates with the form-encoded token endpoint, persists
// the returned credential and identity, and leaves the refresh session
// cookie in the jar. A 401 here is bad credentials, not a refresh
// trigger.
func (c *Client) SignIn(ctx context.Context, username, password string) error {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	status, body, err := c.send(ctx, request{method: http.MethodPost, path: "token", form: form}, "")
	if err != nil {
		return chaterr.Transport(err)
	}

	if status != http.StatusOK {
		if status == http.StatusTooManyRequests {
			return chaterr.RateLimited(extractDetail(body))
		}
		reason := extractDetail(body)
		if reason == "" {
			reason = "authentication failed"
		}
		return chaterr.Validation(status, reason)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}

	cred := creds.Credential{
		Value:  tr.AccessToken,
		Expiry: creds.ExpiryFromToken(tr.AccessToken),
	}
	if err := c.store.Save(cred); err != nil {
		return fmt.Errorf("persisting credential: %w", err)
	}
	if err := c.store.SetUsername(username); err != nil {
		return fmt.Errorf("persisting identity: %w", err)
	}

	c.logger.Info("signed in", slog.String("username", username))

	return nil
}

// SignUp registers a new account and immediately signs in with it.
func (c *Client) SignUp(ctx context.Context, username, password string) error {
	req := request{
		method: http.MethodPost,
		path:   "sign-up",
		body:   signUpRequest{Username: username, Password: password},
	}

	status, body, err := c.send(ctx, req, "")
	if err != nil {
		return chaterr.Transport(err)
	}

	if status < 200 || status >= 300 {
		if status == http.StatusTooManyRequests {
			return chaterr.RateLimited(extractDetail(body))
		}
		reason := extractDetail(body)
		if reason == "" {
			reason = "registration failed"
		}
		return chaterr.Validation(status, reason)
	}

	return c.SignIn(ctx, username, password)
}

// ChangePassword updates the account password.
func (c *Client) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	req := request{
		method: http.MethodPatch,
		path:   "change-password",
		body: changePasswordRequest{
			Username:    username,
			OldPassword: oldPassword,
			NewPassword: newPassword,
		},
	}

	var resp successResponse
	if err := c.do(ctx, req, &resp); err != nil {
		return err
	}

	if !resp.Success {
		return chaterr.Validation(http.StatusBadRequest, "password change rejected")
	}

	return nil
}

// Messages fetches one page. With lastID == 0 it returns the latest
// page; otherwise a backward page of at most limit messages strictly
// older than lastID.
func (c *Client) Messages(ctx context.Context, lastID int64, limit int) ([]Message, error) {
	req := request{method: http.MethodGet, path: "messages"}

	if lastID > 0 {
		req.query = url.Values{}
		req.query.Set("last_id", strconv.FormatInt(lastID, 10))
		req.query.Set("limit", strconv.Itoa(limit))
	}

	var resp messageListResponse
	if err := c.do(ctx, req, &resp); err != nil {
		return nil, err
	}

	return resp.Messages, nil
}

// SendMessage creates a message and returns its server-assigned id.
func (c *Client) SendMessage(ctx context.Context, content, createdAt, createdBy string) (int64, error) {
	req := request{
		method: http.MethodPost,
		path:   "send-message",
		body: createMessageRequest{
			Content:   content,
			CreatedAt: createdAt,
			CreatedBy: createdBy,
		},
	}

	var resp createMessageResponse
	if err := c.do(ctx, req, &resp); err != nil {
		return 0, err
	}

	return resp.ID, nil
}

// UpdateMessage replaces the content of an existing message.
func (c *Client) UpdateMessage(ctx context.Context, id int64, content string) error {
	req := request{
		method: http.MethodPatch,
		path:   "update-message",
		body:   updateMessageRequest{ID: id, Content: content},
	}

	var resp successResponse
	if err := c.do(ctx, req, &resp); err != nil {
		return err
	}

	if !resp.Success {
		return chaterr.NotFound(id)
	}

	return nil
}

// DeleteMessage removes a message by id. The id travels in the JSON
// body, matching the server's delete contract.
func (c *Client) DeleteMessage(ctx context.Context, id int64) error {
	req := request{
		method: http.MethodDelete,
		path:   "delete-message",
		body:   deleteMessageRequest{ID: id},
	}

	var resp successResponse
	if err := c.do(ctx, req, &resp); err != nil {
		return err
	}

	if !resp.Success {
		return chaterr.NotFound(id)
	}

	return nil
}

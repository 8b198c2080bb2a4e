// Package client is a Go client for the account service. It keeps the access
// token in memory, carries the refresh cookie in a jar, and transparently
// refreshes once when a request comes back 401.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"
)

// User is the service's public user projection.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: %d: %s", e.Status, e.Message)
}

// Client talks to one account service instance.
type Client struct {
	base string
	hc   *http.Client

	mu         sync.Mutex
	access     string
	refreshing chan struct{}
	refreshErr error
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient substitutes the transport. A cookie jar is attached if the
// given client lacks one.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// New builds a client for the given base URL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{base: strings.TrimRight(baseURL, "/")}
	for _, opt := range opts {
		opt(c)
	}
	if c.hc == nil {
		c.hc = &http.Client{Timeout: 15 * time.Second}
	}
	if c.hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("client: cookie jar: %w", err)
		}
		c.hc.Jar = jar
	}
	return c, nil
}

// Jar exposes the cookie jar holding the refresh cookie.
func (c *Client) Jar() http.CookieJar { return c.hc.Jar }

// AccessToken returns the currently held access token, if any.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access
}

func (c *Client) setAccess(token string) {
	c.mu.Lock()
	c.access = token
	c.mu.Unlock()
}

// RegisterStart submits the registration form. avatar may be nil.
func (c *Client) RegisterStart(ctx context.Context, email, username, password string, avatar io.Reader, avatarName string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("email", email)
	_ = mw.WriteField("username", username)
	_ = mw.WriteField("password", password)
	if avatar != nil {
		part, err := mw.CreateFormFile("avatar", avatarName)
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, avatar); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/auth/register-start", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, nil)
}

// RegisterVerify submits the emailed code and adopts the issued tokens.
func (c *Client) RegisterVerify(ctx context.Context, email, code string) (*User, error) {
	var out struct {
		AccessToken string `json:"accessToken"`
		User        *User  `json:"user"`
	}
	if err := c.postJSON(ctx, "/auth/register-verify", map[string]string{
		"email": email,
		"code":  code,
	}, &out); err != nil {
		return nil, err
	}
	c.setAccess(out.AccessToken)
	return out.User, nil
}

// Login authenticates and adopts the issued tokens.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	var out struct {
		AccessToken string `json:"accessToken"`
		User        *User  `json:"user"`
	}
	if err := c.postJSON(ctx, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &out); err != nil {
		return nil, err
	}
	c.setAccess(out.AccessToken)
	return out.User, nil
}

// Me fetches the authenticated profile, refreshing once on 401.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var out struct {
		User *User `json:"user"`
	}
	if err := c.authorized(ctx, http.MethodGet, "/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return out.User, nil
}

// Logout revokes the current session.
func (c *Client) Logout(ctx context.Context) error {
	err := c.postJSON(ctx, "/auth/logout", struct{}{}, nil)
	c.setAccess("")
	return err
}

// LogoutAll revokes every session of the authenticated user.
func (c *Client) LogoutAll(ctx context.Context) error {
	err := c.authorized(ctx, http.MethodPost, "/auth/logout-all", struct{}{}, nil)
	c.setAccess("")
	return err
}

// ForgotPassword requests a reset email.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	return c.postJSON(ctx, "/auth/forgot", map[string]string{"email": email}, nil)
}

// ResetPassword consumes a reset token.
func (c *Client) ResetPassword(ctx context.Context, token, newPassword string) error {
	return c.postJSON(ctx, "/auth/reset", map[string]string{
		"token":       token,
		"newPassword": newPassword,
	}, nil)
}

// Refresh forces a rotation using the jarred cookie.
func (c *Client) Refresh(ctx context.Context) error {
	return c.refresh(ctx, c.AccessToken())
}

// authorized performs a bearer request and retries exactly once after a
// refresh if the first attempt is rejected.
func (c *Client) authorized(ctx context.Context, method, path string, in, out any) error {
	token := c.AccessToken()
	err := c.bearerOnce(ctx, method, path, in, out, token)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		if rerr := c.refresh(ctx, token); rerr != nil {
			return err
		}
		return c.bearerOnce(ctx, method, path, in, out, c.AccessToken())
	}
	return err
}

func (c *Client) bearerOnce(ctx context.Context, method, path string, in, out any, token string) error {
	req, err := c.newJSONRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

// refresh rotates the cookie-borne token. Concurrent callers share one
// in-flight rotation; whoever starts it publishes the new access token and
// the rest wait. A refresh token is single-use, so letting every waiter fire
// its own rotation would invalidate all but one of them. stale is the access
// token the caller found rejected: if another caller already replaced it,
// the rotation is skipped.
func (c *Client) refresh(ctx context.Context, stale string) error {
	c.mu.Lock()
	if c.access != stale {
		c.mu.Unlock()
		return nil
	}
	if ch := c.refreshing; ch != nil {
		c.mu.Unlock()
		select {
		case <-ch:
			c.mu.Lock()
			err := c.refreshErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	c.refreshing = ch
	c.mu.Unlock()

	err := c.rotateOnce(ctx)

	c.mu.Lock()
	c.refreshErr = err
	c.refreshing = nil
	c.mu.Unlock()
	close(ch)
	return err
}

func (c *Client) rotateOnce(ctx context.Context) error {
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/auth/refresh", struct{}{})
	if err != nil {
		return err
	}
	if err := c.do(req, &out); err != nil {
		c.setAccess("")
		return err
	}
	c.setAccess(out.AccessToken)
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	req, err := c.newJSONRequest(ctx, http.MethodPost, path, in)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: body.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

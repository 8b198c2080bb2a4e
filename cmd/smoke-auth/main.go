// Command smoke-auth drives a live server through the login and refresh
// rotation flow, including the token-reuse rejection check.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"stepline.social/pkg/client"
)

func main() {
	base := os.Getenv("STEPLINE_AUTH_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}
	email := os.Getenv("STEPLINE_SMOKE_EMAIL")
	password := os.Getenv("STEPLINE_SMOKE_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("STEPLINE_SMOKE_EMAIL and STEPLINE_SMOKE_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := client.New(base)
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	user, err := c.Login(ctx, email, password)
	if err != nil {
		log.Fatalf("login: %v", err)
	}
	if user.Email != email {
		log.Fatalf("login returned wrong user: %s", user.Email)
	}

	me, err := c.Me(ctx)
	if err != nil {
		log.Fatalf("me: %v", err)
	}
	if me.ID != user.ID {
		log.Fatalf("me mismatch: %s vs %s", me.ID, user.ID)
	}

	// Capture the current refresh cookie so we can replay it after rotation.
	stolen := refreshCookie(c, base)
	if stolen == "" {
		log.Fatal("no refresh cookie after login")
	}

	firstAccess := c.AccessToken()
	if err := c.Refresh(ctx); err != nil {
		log.Fatalf("refresh: %v", err)
	}
	if c.AccessToken() == firstAccess {
		log.Fatal("refresh did not mint a new access token")
	}
	if err := c.Refresh(ctx); err != nil {
		log.Fatalf("second refresh: %v", err)
	}

	// The pre-rotation token must now be dead.
	if status := replayRefresh(ctx, base, stolen); status != http.StatusUnauthorized {
		log.Fatalf("replayed refresh token: want 401, got %d", status)
	}

	if err := c.Logout(ctx); err != nil {
		log.Fatalf("logout: %v", err)
	}

	fmt.Printf("auth smoke test passed: user=%s\n", user.ID)
}

func refreshCookie(c *client.Client, base string) string {
	u, err := url.Parse(base + "/auth")
	if err != nil {
		return ""
	}
	for _, ck := range c.Jar().Cookies(u) {
		if ck.Name == "refresh" {
			return ck.Value
		}
	}
	return ""
}

func replayRefresh(ctx context.Context, base, token string) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/auth/refresh", nil)
	if err != nil {
		return 0
	}
	req.AddCookie(&http.Cookie{Name: "refresh", Value: token})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

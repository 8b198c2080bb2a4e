package account

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBreachCheckerHit(t *testing.T) {
	const password = "password"
	sum := sha1.Sum([]byte(password))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := digest[:5], digest[5:]

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+prefix {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		// Range responses list suffixes with occurrence counts.
		fmt.Fprintf(w, "0000000000000000000000000000000000A:2\r\n%s:52579\r\n", suffix)
	}))
	defer srv.Close()

	checker := NewHTTPBreachChecker(srv.URL, time.Second)
	hit, err := checker.Compromised(context.Background(), password)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !hit {
		t.Fatal("expected breached password to be reported")
	}
}

func TestBreachCheckerMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "0000000000000000000000000000000000A:2\r\n")
	}))
	defer srv.Close()

	checker := NewHTTPBreachChecker(srv.URL, time.Second)
	hit, err := checker.Compromised(context.Background(), "genuinely-unique-passphrase-714")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if hit {
		t.Fatal("unexpected hit")
	}
}

func TestBreachCheckerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	checker := NewHTTPBreachChecker(srv.URL, time.Second)
	if _, err := checker.Compromised(context.Background(), "whatever"); err == nil {
		t.Fatal("expected error on upstream failure")
	}
}

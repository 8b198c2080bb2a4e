package account

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPBreachChecker queries a k-anonymity password range API: only the first
// five characters of the SHA-1 digest leave the process. Lookup failures are
// reported as errors; the caller decides to fail open.
type HTTPBreachChecker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBreachChecker constructs a checker against baseURL with a bounded
// per-lookup timeout.
func NewHTTPBreachChecker(baseURL string, timeout time.Duration) *HTTPBreachChecker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPBreachChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

var _ BreachChecker = (*HTTPBreachChecker)(nil)

// Compromised reports whether password appears in the breach corpus.
func (c *HTTPBreachChecker) Compromised(ctx context.Context, password string) (bool, error) {
	sum := sha1.Sum([]byte(password))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := digest[:5], digest[5:]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+prefix, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("breach range lookup: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		candidate, _, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(candidate, suffix) {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// Package upstox speaks the Upstox market data feed protocol: endpoint
// authorization, subscription commands and decoding of inbound frames.
package upstox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	appconfig "tickflow/config"
)

var (
	// ErrInvalidCredential is returned without any network call when the
	// bearer token is missing or too short to be real.
	ErrInvalidCredential = errors.New("upstox: invalid credential")
	// ErrMalformedResponse means the authorize endpoint answered but the
	// payload could not be used.
	ErrMalformedResponse = errors.New("upstox: malformed authorize response")
)

// AuthorizationError is a transport or HTTP level failure of the authorize
// call. It is always worth retrying later.
type AuthorizationError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthorizationError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("upstox authorize: status %d: %v", e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("upstox authorize: %v", e.Err)
	default:
		return fmt.Sprintf("upstox authorize: status %d: %s", e.StatusCode, e.Body)
	}
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// MalformedResponseError describes an unusable authorize payload. It matches
// ErrMalformedResponse with errors.Is.
type MalformedResponseError struct {
	// MissingEndpoint is set when the payload was valid JSON but carried
	// no authorized_redirect_uri.
	MissingEndpoint bool
	Body            string
	Err             error
}

func (e *MalformedResponseError) Error() string {
	if e.MissingEndpoint {
		return "upstox authorize: response has no authorized_redirect_uri"
	}
	return fmt.Sprintf("upstox authorize: response is not json: %v", e.Err)
}

func (e *MalformedResponseError) Is(target error) bool { return target == ErrMalformedResponse }

func (e *MalformedResponseError) Unwrap() error { return e.Err }

const maxErrorBody = 512

type authorizeResponse struct {
	Status string `json:"status"`
	Data   struct {
		AuthorizedRedirectURI string `json:"authorized_redirect_uri"`
	} `json:"data"`
}

// Authorizer exchanges a bearer token for a short-lived socket endpoint.
type Authorizer struct {
	client  *http.Client
	url     string
	apiKey  string
	minLen  int
	timeout time.Duration
	limiter *rate.Limiter
}

// NewAuthorizer builds an authorizer from configuration. A nil client uses
// a dedicated http.Client.
func NewAuthorizer(cfg appconfig.UpstoxConfig, client *http.Client) *Authorizer {
	if client == nil {
		client = &http.Client{}
	}
	limit := rate.Inf
	if cfg.AuthorizeRatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.AuthorizeRatePerMinute))
	}
	minLen := cfg.MinTokenLength
	if minLen <= 0 {
		minLen = 20
	}
	timeout := cfg.AuthorizeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Authorizer{
		client:  client,
		url:     cfg.AuthorizeURL,
		apiKey:  cfg.APIKey,
		minLen:  minLen,
		timeout: timeout,
		limiter: rate.NewLimiter(limit, 2),
	}
}

// ValidCredential reports whether token is long enough to be attempted.
func ValidCredential(token string, minLen int) bool {
	return len(strings.TrimSpace(token)) >= minLen
}

// Authorize returns the websocket URL for the given credential.
func (a *Authorizer) Authorize(ctx context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if !ValidCredential(credential, a.minLen) {
		return "", ErrInvalidCredential
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return "", &AuthorizationError{Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return "", &AuthorizationError{Err: err}
	}
	if a.apiKey != "" {
		req.Header.Set("Api-Key", a.apiKey)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &AuthorizationError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &AuthorizationError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &AuthorizationError{StatusCode: resp.StatusCode, Body: truncate(string(body))}
	}

	var payload authorizeResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &MalformedResponseError{Body: truncate(string(body)), Err: err}
	}
	uri := strings.TrimSpace(payload.Data.AuthorizedRedirectURI)
	if uri == "" {
		return "", &MalformedResponseError{MissingEndpoint: true, Body: truncate(string(body))}
	}
	return uri, nil
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}

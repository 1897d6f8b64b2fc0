// Package credential loads the Upstox access token from the token file and
// watches it for replacements.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	appconfig "tickflow/config"
	"tickflow/logger"
)

var ErrNoToken = errors.New("no access token")

// Token is the document written by the login flow.
type Token struct {
	AccessToken string    `json:"access_token"`
	SavedAt     time.Time `json:"-"`
}

type tokenFile struct {
	AccessToken string `json:"access_token"`
	SavedAt     string `json:"saved_at"`
}

var savedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseSavedAt accepts RFC 3339 and naive ISO timestamps. Naive values are
// taken as UTC.
func parseSavedAt(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range savedAtLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid saved_at '%s'", value)
}

// Load reads the token file at path.
func Load(path string) (Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Token{}, fmt.Errorf("read token file: %w", err)
	}
	var raw tokenFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return Token{}, fmt.Errorf("parse token file: %w", err)
	}
	tok := Token{AccessToken: strings.TrimSpace(raw.AccessToken)}
	if tok.AccessToken == "" {
		return Token{}, ErrNoToken
	}
	if raw.SavedAt != "" {
		if tok.SavedAt, err = parseSavedAt(raw.SavedAt); err != nil {
			return Token{}, err
		}
	}
	return tok, nil
}

// Age reports how long ago the token was saved. A token without a timestamp
// has unknown age and reports ok=false.
func (t Token) Age(now time.Time) (time.Duration, bool) {
	if t.SavedAt.IsZero() {
		return 0, false
	}
	return now.Sub(t.SavedAt), true
}

// Fresh reports whether the token was saved less than maxAge ago.
func (t Token) Fresh(now time.Time, maxAge time.Duration) bool {
	age, ok := t.Age(now)
	return ok && age < maxAge
}

// Resolve picks the credential to start with: the token file when it holds
// a token, otherwise the configured access token. A stale token is still
// returned; the authorizer rejects it if the broker has expired it.
func Resolve(cfg appconfig.UpstoxConfig, now time.Time) (string, error) {
	log := logger.GetLogger().WithComponent("credential")

	if cfg.TokenFile != "" {
		tok, err := Load(cfg.TokenFile)
		switch {
		case err == nil:
			logFreshness(log, tok, now, cfg.TokenMaxAge)
			return tok.AccessToken, nil
		case errors.Is(err, os.ErrNotExist):
			log.WithField("path", cfg.TokenFile).Debug("token file not found")
		default:
			log.WithError(err).WithField("path", cfg.TokenFile).Warn("token file unusable")
		}
	}

	if token := strings.TrimSpace(cfg.AccessToken); token != "" {
		return token, nil
	}
	return "", ErrNoToken
}

func logFreshness(log *logger.Entry, tok Token, now time.Time, maxAge time.Duration) {
	age, ok := tok.Age(now)
	if !ok {
		log.Warn("token file has no saved_at timestamp")
		return
	}
	fields := logger.Fields{"age_hours": fmt.Sprintf("%.1f", age.Hours())}
	if maxAge > 0 && age >= maxAge {
		log.WithFields(fields).Warn("access token is stale")
		return
	}
	log.WithFields(fields).Info("access token loaded")
}

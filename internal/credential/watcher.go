package credential

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"tickflow/logger"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the token file when it changes and reports new tokens.
// The parent directory is watched so replacements by rename are seen.
type Watcher struct {
	path     string
	maxAge   time.Duration
	debounce time.Duration
	onChange func(token string)
	now      func() time.Time
	log      *logger.Log

	last string
}

// NewWatcher returns a watcher for path. onChange is called from the watch
// goroutine with every token that differs from the previous one.
func NewWatcher(path string, maxAge time.Duration, current string, onChange func(token string)) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		maxAge:   maxAge,
		debounce: defaultDebounce,
		onChange: onChange,
		now:      time.Now,
		log:      logger.GetLogger(),
		last:     current,
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create token watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	log := w.log.WithComponent("credential").WithField("path", w.path)
	log.Info("watching token file")

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				log.WithField("op", event.Op.String()).Debug("token file changed")
				debounce.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("token watcher error")
		case <-debounce.C:
			w.reload(log)
		}
	}
}

func (w *Watcher) reload(log *logger.Entry) {
	tok, err := Load(w.path)
	if err != nil {
		log.WithError(err).Warn("token reload failed")
		return
	}
	if tok.AccessToken == w.last {
		return
	}
	logFreshness(log, tok, w.now(), w.maxAge)
	w.last = tok.AccessToken
	w.onChange(tok.AccessToken)
}

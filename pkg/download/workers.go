// pkg/download/workers.go - per-artifact fetch/verify workers and the restart loop.

package download

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/windowsadmins/winebridge/pkg/logging"
	"github.com/windowsadmins/winebridge/pkg/retry"
)

// Kind distinguishes the two worker roles kept per artifact.
type Kind string

const (
	kindFetch  Kind = "fetch"
	kindVerify Kind = "verify"
)

type worker struct {
	done chan struct{}
	err  error
}

func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func workerKey(name string, kind Kind) string {
	return name + "/" + string(kind)
}

// Alive reports whether a fetch or verify worker is currently running for name.
func (m *Manager) Alive(name string, kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerKey(name, kind)]
	return ok && w.alive()
}

// start registers and launches a worker unless one of the same kind is alive for name.
func (m *Manager) start(name string, kind Kind, fn func() error) (*worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workerKey(name, kind)
	if w, ok := m.workers[key]; ok && w.alive() {
		return nil, false
	}
	w := &worker{done: make(chan struct{})}
	m.workers[key] = w
	go func() {
		defer close(w.done)
		w.err = fn()
	}()
	return w, true
}

// runExclusive waits out any live worker of the same kind for name, then runs fn as the
// new worker and polls until it finishes.
func (m *Manager) runExclusive(ctx context.Context, name string, kind Kind, fn func() error) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var w *worker
	for {
		var ok bool
		if w, ok = m.start(name, kind, fn); ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	for w.alive() {
		select {
		case <-ctx.Done():
			// The worker observes the same context and exits on its own.
			<-w.done
			return ctx.Err()
		case <-ticker.C:
		case <-w.done:
		}
	}
	return w.err
}

// Ensure keeps acquiring until the artifact verifies. A verification failure restarts the
// fetch from scratch up to config.MaxRetries times; a network failure is returned at once
// so the caller can ask the user whether to try again.
func (m *Manager) Ensure(ctx context.Context, config retry.RetryConfig, url, destDir, fileName string) error {
	attempt := 0
	err := retry.Retry(ctx, config, func() error {
		attempt++
		err := m.Acquire(ctx, url, destDir, fileName)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrVerification):
			logging.Warn("Artifact failed verification, restarting fetch", "name", fileName, "attempt", attempt, "error", err)
			return err
		default:
			return retry.Permanent(err)
		}
	})
	if err != nil && errors.Is(err, ErrVerification) {
		return fmt.Errorf("%s did not verify after %d attempts: %w", fileName, attempt, err)
	}
	return err
}

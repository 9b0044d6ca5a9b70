// Package usage records launch to quit sessions of the managed application and its indexer.
//
// The ledger is fed by process monitor transitions rather than its own sampling loop: a
// session opens when a group reaches RUNNING and closes when it falls back to STOPPED.
// Completed sessions are kept in memory until Drain and mirrored to
// app_usage_YYYY-MM-DD.jsonl in the log directory.
package usage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/windowsadmins/winebridge/pkg/logging"
	"github.com/windowsadmins/winebridge/pkg/process"
)

// Session is one contiguous run of a process group.
// Example JSONL record:
// {"id":"5b0c...","application":"Logos","group":"application","started":"2026-04-25T13:01:07Z","ended":"2026-04-25T14:38:55Z","duration_seconds":5868}
type Session struct {
	ID              string        `json:"id"`
	Application     string        `json:"application"`
	Group           process.Group `json:"group"`
	Started         time.Time     `json:"started"`
	Ended           time.Time     `json:"ended"`
	DurationSeconds int64         `json:"duration_seconds"`
}

// Ledger collects sessions from monitor transitions.
type Ledger struct {
	application string
	outDir      string

	mu       sync.Mutex
	active   map[process.Group]*Session
	finished []Session
	pending  []Session // finished but not yet mirrored to disk
}

// NewLedger creates a ledger for application writing to outDir. An empty outDir disables
// the on-disk mirror.
func NewLedger(application, outDir string) *Ledger {
	return &Ledger{
		application: application,
		outDir:      outDir,
		active:      make(map[process.Group]*Session),
	}
}

// Observe is a process.Monitor observer.
func (l *Ledger) Observe(t process.Transition) {
	switch {
	case t.To == process.Running:
		l.begin(t.Group, t.At)
	case t.To == process.Stopped:
		if l.end(t.Group, t.At) {
			if err := l.flushToFile(); err != nil {
				logging.Warn("Could not write usage sessions", "dir", l.outDir, "error", err)
			}
		}
	}
}

func (l *Ledger) begin(g process.Group, ts time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, open := l.active[g]; open {
		return
	}
	l.active[g] = &Session{ID: uuid.NewString(), Application: l.application, Group: g, Started: ts}
}

func (l *Ledger) end(g process.Group, ts time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.active[g]
	if !ok {
		return false
	}
	s.Ended = ts
	s.DurationSeconds = int64(s.Ended.Sub(s.Started).Seconds())
	l.finished = append(l.finished, *s)
	l.pending = append(l.pending, *s)
	delete(l.active, g)
	logging.Info("Usage session closed", "group", g, "duration_seconds", s.DurationSeconds)
	return true
}

// Active reports whether a session of g is open.
func (l *Ledger) Active(g process.Group) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[g]
	return ok
}

// Drain returns the sessions finished since the last call and clears them.
func (l *Ledger) Drain() []Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.finished
	l.finished = nil
	return out
}

func (l *Ledger) flushToFile() error {
	if l.outDir == "" {
		return nil
	}
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	if err := os.MkdirAll(l.outDir, 0o755); err != nil {
		return err
	}
	fname := filepath.Join(l.outDir, "app_usage_"+time.Now().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, s := range pending {
		if err := enc.Encode(s); err != nil {
			logging.Warn("Could not encode usage session", "id", s.ID, "error", err)
		}
	}
	return w.Flush()
}

// Package process reconciles the believed run state of the managed application and its
// indexer against the host process table.
package process

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/windowsadmins/winebridge/pkg/logging"
	"github.com/windowsadmins/winebridge/pkg/wine"
)

// ErrProcess is reported when a started role never reaches RUNNING.
var ErrProcess = errors.New("process failure")

// Role is one kind of managed process.
type Role string

const (
	RoleFront   Role = "application-front"
	RoleCore    Role = "application-core"
	RoleIndexer Role = "indexer"
)

var allRoles = []Role{RoleFront, RoleCore, RoleIndexer}

// Group aggregates roles whose lifecycle is tracked together.
type Group string

const (
	GroupApplication Group = "application"
	GroupIndexer     Group = "indexer"
)

// Groups lists every tracked group.
var Groups = []Group{GroupApplication, GroupIndexer}

// Group returns the group a role belongs to.
func (r Role) Group() Group {
	if r == RoleIndexer {
		return GroupIndexer
	}
	return GroupApplication
}

func (g Group) roles() []Role {
	if g == GroupIndexer {
		return []Role{RoleIndexer}
	}
	return []Role{RoleFront, RoleCore}
}

// worker is the role whose presence means the group is up.
func (g Group) worker() Role {
	if g == GroupIndexer {
		return RoleIndexer
	}
	return RoleCore
}

// State is a lifecycle state.
type State string

const (
	Stopped  State = "STOPPED"
	Starting State = "STARTING"
	Running  State = "RUNNING"
	Stopping State = "STOPPING"
)

// Transition is a state change of one group.
type Transition struct {
	Group Group
	From  State
	To    State
	At    time.Time
}

// Target describes what the monitor launches and how it re-validates Wine before doing so.
type Target struct {
	WineBinary string
	WinePrefix string
	AppExe     string
	IndexerExe string
	AppVersion string
	AppRelease string
	Debug      bool
}

type groupState struct {
	state State
	since time.Time
	// requested marks a STARTING set by Start rather than by observing a front process.
	requested bool
}

// Monitor tracks the application and indexer groups.
type Monitor struct {
	target       Target
	lister       Lister
	runner       wine.Runner
	patterns     Patterns
	startTimeout time.Duration
	observers    []func(Transition)
	now          func() time.Time

	mu     sync.Mutex
	groups map[Group]*groupState
	pids   map[Role][]int32

	workers sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithLister(l Lister) Option { return func(m *Monitor) { m.lister = l } }

func WithRunner(r wine.Runner) Option { return func(m *Monitor) { m.runner = r } }

// WithStartTimeout bounds how long a requested start may stay STARTING.
func WithStartTimeout(d time.Duration) Option { return func(m *Monitor) { m.startTimeout = d } }

// WithObserver registers fn to be called for every transition, outside the monitor lock.
func WithObserver(fn func(Transition)) Option {
	return func(m *Monitor) { m.observers = append(m.observers, fn) }
}

// New creates a Monitor with every group STOPPED.
func New(target Target, patterns Patterns, opts ...Option) *Monitor {
	m := &Monitor{
		target:       target,
		lister:       SystemLister{},
		runner:       wine.CmdRunner{},
		patterns:     patterns,
		startTimeout: 2 * time.Minute,
		now:          time.Now,
		groups:       make(map[Group]*groupState),
		pids:         make(map[Role][]int32),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, g := range Groups {
		m.groups[g] = &groupState{state: Stopped, since: m.now()}
	}
	return m
}

// State returns the current state of a group.
func (m *Monitor) State(g Group) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[g].state
}

// PIDs returns the process ids matched to role by the latest poll.
func (m *Monitor) PIDs(role Role) []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.pids[role])
}

// setLocked moves a group to state and returns the transition, if any.
func (m *Monitor) setLocked(g Group, to State, requested bool) *Transition {
	gs := m.groups[g]
	if gs.state == to {
		return nil
	}
	t := &Transition{Group: g, From: gs.state, To: to, At: m.now()}
	gs.state, gs.since, gs.requested = to, t.At, requested
	return t
}

func (m *Monitor) notify(transitions []*Transition) {
	for _, t := range transitions {
		if t == nil {
			continue
		}
		logging.LogProcessTransition(string(t.Group), string(t.From), string(t.To))
		for _, fn := range m.observers {
			fn(*t)
		}
	}
}

// Poll takes a fresh process table snapshot and re-derives each group's state from it.
// A group started by request that has not reached RUNNING within the start timeout falls
// back to STOPPED and is reported as ErrProcess.
func (m *Monitor) Poll(ctx context.Context) error {
	procs, err := m.lister.List(ctx)
	if err != nil {
		return fmt.Errorf("listing processes: %w", err)
	}

	pids := make(map[Role][]int32)
	for _, p := range procs {
		for _, role := range m.patterns.classify(p) {
			pids[role] = append(pids[role], p.PID)
		}
	}

	var transitions []*Transition
	var failures *multierror.Error

	m.mu.Lock()
	m.pids = pids
	now := m.now()
	for _, g := range Groups {
		gs := m.groups[g]
		workerSeen := len(pids[g.worker()]) > 0
		anySeen := false
		for _, role := range g.roles() {
			anySeen = anySeen || len(pids[role]) > 0
		}

		switch gs.state {
		case Stopped:
			if workerSeen {
				transitions = append(transitions, m.setLocked(g, Running, false))
			} else if anySeen {
				transitions = append(transitions, m.setLocked(g, Starting, false))
			}
		case Starting:
			switch {
			case workerSeen:
				transitions = append(transitions, m.setLocked(g, Running, false))
			case gs.requested && now.Sub(gs.since) > m.startTimeout:
				failures = multierror.Append(failures, fmt.Errorf("%w: %s did not start within %s", ErrProcess, g, m.startTimeout))
				transitions = append(transitions, m.setLocked(g, Stopped, false))
			case anySeen:
			case !gs.requested:
				transitions = append(transitions, m.setLocked(g, Stopped, false))
			}
		case Running, Stopping:
			if !anySeen {
				transitions = append(transitions, m.setLocked(g, Stopped, false))
			}
		}
	}
	m.mu.Unlock()

	m.notify(transitions)
	return failures.ErrorOrNil()
}

// Watch polls every interval until ctx is done, passing poll errors to onError.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.Poll(ctx); err != nil && onError != nil && ctx.Err() == nil {
			onError(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) env() []string {
	return wine.Environment(m.target.WinePrefix, m.target.Debug)
}

// Start validates the configured Wine once more and launches the role's executable on its
// own goroutine. The group is STARTING until a poll sees its worker process. The goroutine
// polls once more when the launched process exits.
func (m *Monitor) Start(ctx context.Context, role Role) error {
	c, err := wine.Classify(ctx, m.runner, m.target.WineBinary)
	if err == nil {
		err = wine.Check(c, m.target.AppRelease, m.target.AppVersion)
	}
	if err != nil {
		return fmt.Errorf("not starting %s: %w", role, err)
	}

	exe := m.target.AppExe
	if role == RoleIndexer {
		exe = m.target.IndexerExe
	}
	if exe == "" {
		return fmt.Errorf("%w: no executable configured for %s", ErrProcess, role)
	}

	g := role.Group()
	m.mu.Lock()
	if st := m.groups[g].state; st == Starting || st == Running {
		m.mu.Unlock()
		logging.Info("Already running", "group", g, "state", st)
		return nil
	}
	t := m.setLocked(g, Starting, true)
	m.mu.Unlock()
	m.notify([]*Transition{t})

	runCtx := context.WithoutCancel(ctx)
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		logging.Info("Launching", "role", role, "exe", exe)
		res, err := m.runner.Run(runCtx, m.target.WineBinary, []string{exe}, wine.RunOptions{Env: m.env()})
		if err != nil {
			logging.Warn("Launched process exited with error", "role", role, "error", err, "stderr", string(res.Stderr))
		} else {
			logging.Info("Launched process exited", "role", role)
		}
		// Reflect the exit now instead of at the next scheduled poll.
		if err := m.Poll(runCtx); err != nil {
			logging.Warn("Poll after exit failed", "role", role, "error", err)
		}
	}()
	return nil
}

// kill sends SIGKILL to pid. Replaced in tests.
var kill = func(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}

// Stop kills every process of role's group and, unless another group still runs, waits
// until wineserver reports the prefix idle so a following Start cannot race the teardown.
// The group becomes STOPPED on the next poll that sees none of its processes.
func (m *Monitor) Stop(ctx context.Context, role Role) error {
	return m.stop(ctx, role.Group())
}

// StopAll stops every group; used on interrupt.
func (m *Monitor) StopAll(ctx context.Context) error {
	return m.stop(ctx, Groups...)
}

// stop kills the processes of all groups before waiting once, since wineserver only goes
// idle when nothing in the prefix is left.
func (m *Monitor) stop(ctx context.Context, groups ...Group) error {
	var transitions []*Transition
	m.mu.Lock()
	for _, g := range groups {
		if st := m.groups[g].state; st == Running || st == Starting {
			transitions = append(transitions, m.setLocked(g, Stopping, false))
		}
	}
	m.mu.Unlock()
	m.notify(transitions)

	procs, err := m.lister.List(ctx)
	if err != nil {
		return fmt.Errorf("listing processes: %w", err)
	}

	var result *multierror.Error
	othersAlive := false
	for _, p := range procs {
		roles := m.patterns.classify(p)
		if !slices.ContainsFunc(roles, func(r Role) bool { return slices.Contains(groups, r.Group()) }) {
			othersAlive = othersAlive || len(roles) > 0
			continue
		}
		logging.Info("Killing process", "pid", p.PID, "roles", roles)
		if err := kill(int(p.PID)); err != nil && !errors.Is(err, unix.ESRCH) {
			result = multierror.Append(result, fmt.Errorf("killing %d: %w", p.PID, err))
		}
	}

	// wineserver stays busy while another group still runs in the prefix.
	if othersAlive {
		logging.Info("Not waiting for wineserver, other groups still running", "groups", groups)
		return result.ErrorOrNil()
	}
	if err := m.WaitIdle(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// WaitIdle blocks until the prefix's wineserver has no clients.
func (m *Monitor) WaitIdle(ctx context.Context) error {
	if m.target.WineBinary == "" {
		return nil
	}
	if _, err := m.runner.Run(ctx, wine.ServerPath(m.target.WineBinary), []string{"-w"}, wine.RunOptions{Env: m.env()}); err != nil {
		return fmt.Errorf("waiting for wineserver: %w", err)
	}
	return nil
}

// Wait blocks until every launched process has exited.
func (m *Monitor) Wait() {
	m.workers.Wait()
}

// pkg/frontend/frontend.go - the single boundary between the core and any presentation layer.

package frontend

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrAbort is returned when the user (or a headless run) supplies no answer.
var ErrAbort = errors.New("aborted: no answer supplied")

// NoPercent marks a status update without a progress value.
const NoPercent = -1

// Question is a choice the pipeline needs resolved.
type Question struct {
	Key     string // stable identifier, e.g. "application" or "wine"
	Text    string
	Options []string
}

// Adapter is implemented by every front end. Ask and Approve block the calling step until
// an answer arrives or ctx is done.
type Adapter interface {
	Status(message string, percent int)
	Ask(ctx context.Context, q Question) (string, error)
	Approve(ctx context.Context, question string) (bool, error)
	Exit(reason error)
}

// Prompt is a one-shot answer slot: the first Deliver or Cancel wins, later calls are ignored.
type Prompt struct {
	once   sync.Once
	done   chan struct{}
	answer string
	err    error
}

// NewPrompt returns an unanswered prompt.
func NewPrompt() *Prompt {
	return &Prompt{done: make(chan struct{})}
}

// Deliver answers the prompt. An empty answer counts as no answer.
func (p *Prompt) Deliver(answer string) {
	p.once.Do(func() {
		if answer == "" {
			p.err = ErrAbort
		}
		p.answer = answer
		close(p.done)
	})
}

// Cancel resolves the prompt with ErrAbort.
func (p *Prompt) Cancel() {
	p.once.Do(func() {
		p.err = ErrAbort
		close(p.done)
	})
}

// Wait blocks until the prompt is resolved or ctx is done.
func (p *Prompt) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.answer, p.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Pending is a question waiting for an answer on a ChannelAdapter.
type Pending struct {
	Question
	Prompt *Prompt
}

// StatusUpdate is one Status call forwarded by a ChannelAdapter.
type StatusUpdate struct {
	Message string
	Percent int
}

// ChannelAdapter hands questions and status updates to an event-loop driven UI over channels.
// The UI answers through Pending.Prompt.
type ChannelAdapter struct {
	questions chan Pending
	statuses  chan StatusUpdate
	exits     chan error
}

// NewChannelAdapter creates an adapter; buffer sizes the status channel, updates beyond it
// are dropped rather than blocking a worker.
func NewChannelAdapter(buffer int) *ChannelAdapter {
	return &ChannelAdapter{
		questions: make(chan Pending),
		statuses:  make(chan StatusUpdate, buffer),
		exits:     make(chan error, 1),
	}
}

func (a *ChannelAdapter) Questions() <-chan Pending     { return a.questions }
func (a *ChannelAdapter) Statuses() <-chan StatusUpdate { return a.statuses }
func (a *ChannelAdapter) Exits() <-chan error           { return a.exits }

func (a *ChannelAdapter) Status(message string, percent int) {
	select {
	case a.statuses <- StatusUpdate{Message: message, Percent: percent}:
	default:
	}
}

func (a *ChannelAdapter) Ask(ctx context.Context, q Question) (string, error) {
	p := Pending{Question: q, Prompt: NewPrompt()}
	select {
	case a.questions <- p:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.Prompt.Wait(ctx)
}

func (a *ChannelAdapter) Approve(ctx context.Context, question string) (bool, error) {
	answer, err := a.Ask(ctx, Question{Key: "approve", Text: question, Options: []string{"yes", "no"}})
	if err != nil {
		return false, err
	}
	return answer == "yes", nil
}

func (a *ChannelAdapter) Exit(reason error) {
	select {
	case a.exits <- reason:
	default:
	}
}

// Headless answers questions from a fixed set of presets keyed by Question.Key.
type Headless struct {
	Answers  map[string]string
	Approval bool
	OnStatus func(message string, percent int)

	mu      sync.Mutex
	exitErr error
	asked   []string
}

// NewHeadless returns an adapter that approves everything and answers from answers.
func NewHeadless(answers map[string]string) *Headless {
	return &Headless{Answers: answers, Approval: true}
}

func (h *Headless) Status(message string, percent int) {
	if h.OnStatus != nil {
		h.OnStatus(message, percent)
	}
}

func (h *Headless) Ask(ctx context.Context, q Question) (string, error) {
	h.mu.Lock()
	h.asked = append(h.asked, q.Key)
	h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	answer, ok := h.Answers[q.Key]
	if !ok || answer == "" {
		return "", fmt.Errorf("%w: %s", ErrAbort, q.Text)
	}
	return answer, nil
}

func (h *Headless) Approve(ctx context.Context, question string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return h.Approval, nil
}

func (h *Headless) Exit(reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exitErr = reason
}

// Asked returns the question keys asked so far, in order.
func (h *Headless) Asked() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.asked...)
}

// ExitReason returns the reason passed to Exit, if any.
func (h *Headless) ExitReason() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

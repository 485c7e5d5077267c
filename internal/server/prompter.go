package server

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/shaunagostinho/qibla-dash/internal/compass"
)

// ErrNoPrompt is returned when an answer arrives with no dialog open.
var ErrNoPrompt = errors.New("no permission dialog pending")

// PromptData is the dialog pushed to browsers in every frame while it is
// open.
type PromptData struct {
	ID      uint64 `json:"id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const locationPromptMessage = "Allow the compass to use GPS heading? Location access gives the most accurate qibla direction."

// WebPrompter shows the location dialog in connected browsers and waits for
// POST /api/permission. An unanswered dialog counts as "not now".
type WebPrompter struct {
	timeout time.Duration

	mu      sync.Mutex
	nextID  uint64
	pending *PromptData
	answer  chan compass.PermissionChoice
}

// NewWebPrompter returns a prompter whose dialogs expire after timeout.
func NewWebPrompter(timeout time.Duration) *WebPrompter {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &WebPrompter{timeout: timeout}
}

func (p *WebPrompter) Ask(ctx context.Context) (compass.PermissionChoice, error) {
	p.mu.Lock()
	p.nextID++
	prompt := &PromptData{ID: p.nextID, Kind: "location", Message: locationPromptMessage}
	answer := make(chan compass.PermissionChoice, 1)
	p.pending = prompt
	p.answer = answer
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.pending == prompt {
			p.pending = nil
			p.answer = nil
		}
		p.mu.Unlock()
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case c := <-answer:
		return c, nil
	case <-timer.C:
		return compass.ChoiceNotNow, nil
	case <-ctx.Done():
		return compass.ChoiceNotNow, ctx.Err()
	}
}

// Answer resolves the open dialog.
func (p *WebPrompter) Answer(choice compass.PermissionChoice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return ErrNoPrompt
	}
	p.answer <- choice
	p.pending = nil
	p.answer = nil
	return nil
}

// Pending returns the open dialog, or nil.
func (p *WebPrompter) Pending() *PromptData {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return nil
	}
	cp := *p.pending
	return &cp
}

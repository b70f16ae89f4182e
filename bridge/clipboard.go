package bridge

import (
	"context"
	"strings"
	"sync"
)

// Clipboard is the host clipboard collaborator behind the
// clipboard:* events. The default is the in-memory implementation;
// deployments with a real desktop inject their own.
type Clipboard interface {
	// Read returns the current clipboard text.
	Read(ctx context.Context) (string, error)
	// Write replaces the clipboard text.
	Write(ctx context.Context, text string) error
	// Copy triggers a host-side copy gesture, then returns the
	// captured text.
	Copy(ctx context.Context) (string, error)
	// Cut triggers a host-side cut gesture, then returns the
	// captured text.
	Cut(ctx context.Context) (string, error)
	// Paste pushes the given text into the host's paste target.
	Paste(ctx context.Context, text string) error
}

// Transcriber turns a voice_command utterance into a result the
// client can act on. Nil transcribers make voice commands a no-op.
type Transcriber interface {
	Transcribe(ctx context.Context, utterance string) (any, error)
}

// MemoryClipboard is a process-local Clipboard for headless
// deployments and tests. Copy and Cut return the stored text; Cut
// clears it.
type MemoryClipboard struct {
	mu   sync.Mutex
	text string
}

// NewMemoryClipboard returns an empty in-memory clipboard.
func NewMemoryClipboard() *MemoryClipboard { return &MemoryClipboard{} }

func (m *MemoryClipboard) Read(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text, nil
}

func (m *MemoryClipboard) Write(ctx context.Context, text string) error {
	m.mu.Lock()
	m.text = text
	m.mu.Unlock()
	return nil
}

func (m *MemoryClipboard) Copy(ctx context.Context) (string, error) {
	return m.Read(ctx)
}

func (m *MemoryClipboard) Cut(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text := m.text
	m.text = ""
	return text, nil
}

func (m *MemoryClipboard) Paste(ctx context.Context, text string) error {
	return m.Write(ctx, text)
}

// EchoTranscriber is the fallback Transcriber: it returns the trimmed
// utterance unchanged.
type EchoTranscriber struct{}

func (EchoTranscriber) Transcribe(ctx context.Context, utterance string) (any, error) {
	return map[string]any{"text": strings.TrimSpace(utterance)}, nil
}

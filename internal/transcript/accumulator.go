package transcript

import (
	"strings"
	"sync"

	"github.com/loqalabs/orator/internal/protocol"
)

// Accumulator folds streaming transcript frames into display text.
// Committed segments are appended and never edited. The partial segment is
// replaced by each new partial and cleared by a commit.
type Accumulator struct {
	mu        sync.Mutex
	committed []string
	partial   string
	words     []protocol.Word
}

func (a *Accumulator) Partial(text string) {
	a.mu.Lock()
	a.partial = strings.TrimSpace(text)
	a.mu.Unlock()
}

func (a *Accumulator) Commit(text string, words ...protocol.Word) {
	text = strings.TrimSpace(text)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partial = ""
	if text != "" {
		a.committed = append(a.committed, text)
	}
	a.words = append(a.words, words...)
}

// Apply routes a server frame. It reports whether the frame changed the text.
func (a *Accumulator) Apply(f protocol.ServerFrame) bool {
	switch f.MessageType {
	case protocol.TypePartialTranscript:
		a.Partial(f.Content())
		return true
	case protocol.TypeCommittedTranscript, protocol.TypeCommittedTranscriptWithTimestamp:
		a.Commit(f.Content(), f.Words...)
		return true
	}
	return false
}

// Committed returns the final text so far.
func (a *Accumulator) Committed() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.committed, " ")
}

// Display returns committed text followed by the current partial.
func (a *Accumulator) Display() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	parts := a.committed
	if a.partial != "" {
		parts = append(parts[:len(parts):len(parts)], a.partial)
	}
	return strings.Join(parts, " ")
}

func (a *Accumulator) Words() []protocol.Word {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.Word(nil), a.words...)
}

func (a *Accumulator) Segments() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.committed)
}

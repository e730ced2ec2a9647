package notify

import (
	"context"
	"sync"

	"github.com/BenPearsey/vaportal-sub001/internal/domain"
)

// Sent is one notification captured by a Recorder.
type Sent struct {
	Recipients []domain.User
	EventType  string
	Payload    Payload
}

// Recorder keeps every notification in memory. Err, when set, is returned
// from Send after recording.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	Err  error
}

func (r *Recorder) Send(_ context.Context, recipients []domain.User, eventType string, payload Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{Recipients: recipients, EventType: eventType, Payload: payload})
	return r.Err
}

func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// Types returns the event types in send order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, s := range r.sent {
		out = append(out, s.EventType)
	}
	return out
}

// Count returns how many notifications of eventType were sent.
func (r *Recorder) Count(eventType string) int {
	n := 0
	for _, t := range r.Types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

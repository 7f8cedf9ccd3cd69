package stream

import (
	"context"
	"sync"
	"time"
)

// Event kinds published by the engine.
const (
	IssuerAdded          = "issuer.added"
	IssuerRevoked        = "issuer.revoked"
	IssuerReinstated     = "issuer.reinstated"
	IssuerMetadataUpdate = "issuer.metadata_updated"
	CredentialRevoked    = "credential.revoked"
	TokenCreated         = "token.created"
	TokenSoulbound       = "token.soulbound"
	TokenReclaimed       = "token.reclaimed"
)

// Event describes a confirmed state change for the SSE stream.
type Event struct {
	Kind      string         `json:"kind"`
	Subject   string         `json:"subject"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher accepts engine events. A nil Publisher is valid for callers that
// go through Emit.
type Publisher interface {
	Publish(evt Event)
}

// Emit publishes to p when it is non-nil, stamping the event time.
func Emit(p Publisher, kind, subject string, detail map[string]any) {
	if p == nil {
		return
	}
	p.Publish(Event{Kind: kind, Subject: subject, Detail: detail, Timestamp: time.Now().UTC()})
}

// Stream fan-outs events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

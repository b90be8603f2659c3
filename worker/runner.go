package worker

import (
	"context"
	"sync"

	"goa.design/flock/envelope"
)

type (
	// Runner is the pluggable reasoning loop invoked once per envelope. Run
	// returns a finite stream of events; implementations close the channel
	// after emitting exactly one terminal OutputEvent. The worker synthesizes
	// a terminal event when a runner violates the contract or fails.
	//
	// Run is invoked sequentially per worker consumer; implementations need
	// not be safe for concurrent calls on the same session.
	Runner interface {
		Run(ctx context.Context, env *envelope.Envelope, session *Session) (<-chan envelope.StreamEvent, error)
	}

	// ControlHandler is optionally implemented by runners that want control
	// envelopes (pause/resume) delivered. Workers whose runner does not
	// implement it leave the control topic untouched.
	ControlHandler interface {
		HandleControl(ctx context.Context, env *envelope.Envelope) error
	}

	// Session is the per-conversation state handed to the runner on every
	// run. It records the transcript of prior turns; runners are free to
	// consult or ignore it.
	Session struct {
		ConversationID string

		mu    sync.Mutex
		turns []Turn
	}

	// Turn is one transcript entry.
	Turn struct {
		Role    string
		Content string
	}

	// SessionStore owns the sessions of the conversations a worker has
	// handled. A given conversation is routed to a single consumer by the
	// group, so no cross-process sharing is needed.
	SessionStore struct {
		mu       sync.Mutex
		sessions map[string]*Session
	}
)

// Append records a transcript turn.
func (s *Session) Append(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, Turn{Role: role, Content: content})
}

// Turns returns a copy of the transcript in order.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Get returns the session for a conversation, creating it on first use.
func (st *SessionStore) Get(conversationID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[conversationID]
	if !ok {
		s = &Session{ConversationID: conversationID}
		st.sessions[conversationID] = s
	}
	return s
}

package sessions

import (
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/engine"
)

// TransportKind names the transport a session arrived on.
type TransportKind string

const (
	KindStdio      TransportKind = "stdio"
	KindSSE        TransportKind = "sse"
	KindStreamable TransportKind = "streamable"
)

// StdioSessionID is the fixed id of the single stdio session.
const StdioSessionID = "stdio"

// Session is one live client session.
type Session struct {
	ID        string
	Kind      TransportKind
	Engine    engine.Engine
	Transport engine.Transport
	CreatedAt time.Time

	mu                  sync.Mutex
	lastActivityAt      time.Time
	credentialSessionID string
}

// LastActivityAt is the time of the most recent inbound frame.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// CredentialSessionID is the credential store record linked to this
// session, or "" when the session is unauthenticated.
func (s *Session) CredentialSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credentialSessionID
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivityAt) {
		s.lastActivityAt = now
	}
	s.mu.Unlock()
}

func (s *Session) setCredentialSessionID(id string) {
	s.mu.Lock()
	s.credentialSessionID = id
	s.mu.Unlock()
}

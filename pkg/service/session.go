package service

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/marmos91/gridrpc/internal/logger"
	"github.com/marmos91/gridrpc/internal/protocol"
	"github.com/marmos91/gridrpc/pkg/authz"
	"github.com/marmos91/gridrpc/pkg/identity"
	"github.com/marmos91/gridrpc/pkg/outcome"
	"github.com/marmos91/gridrpc/pkg/transport"
)

// Session is the state of one connection. It is owned by the goroutine
// serving the connection and never shared.
type Session struct {
	ID string

	transport     transport.Transport
	remote        string
	clientVersion string
	extra         protocol.ExtraCredentials
	log           *logger.Logger

	credsOnce sync.Once
	creds     identity.Credentials

	decision authz.Decision
}

func newSession(t transport.Transport, remote string, hello protocol.Hello, extra protocol.ExtraCredentials, log *logger.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:            id,
		transport:     t,
		remote:        remote,
		clientVersion: hello.ClientVersion,
		extra:         extra,
		log:           log.With("session", id),
	}
}

// Credentials returns the peer identity: what the transport verified,
// merged with the extra credentials of the Hello. Computed once.
func (s *Session) Credentials() identity.Credentials {
	s.credsOnce.Do(func() {
		var fwd *identity.ForwardedIdentity
		if s.extra.Forwarded {
			fwd = &identity.ForwardedIdentity{DN: s.extra.ForwardedDN, Group: s.extra.ForwardedGroup}
		}
		s.creds = s.transport.PeerCredentials().WithExtra(s.extra.Group, fwd)
	})
	return s.creds
}

// Username is the user the latest authorization decision was made for.
func (s *Session) Username() string {
	return s.decision.Username
}

// Group is the group the latest authorization decision was made for.
func (s *Session) Group() string {
	return s.decision.Group
}

// DN is the identity calls are made for: the forwarded DN when a trusted
// host forwarded one, else the peer DN.
func (s *Session) DN() string {
	creds := s.Credentials()
	if s.decision.Forwarded && creds.Forwarded != nil {
		return creds.Forwarded.DN
	}
	return creds.DN
}

func (s *Session) RemoteAddr() string {
	return s.remote
}

func (s *Session) ClientVersion() string {
	return s.clientVersion
}

func (s *Session) Logger() *logger.Logger {
	return s.log
}

func (s *Session) send(o outcome.Outcome) error {
	if err := s.transport.Send(o); err != nil {
		return fmt.Errorf("send outcome: %w", err)
	}
	return nil
}

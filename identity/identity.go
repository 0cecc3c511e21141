// Package identity defines the contract between the portal and the external
// identity provider: a one-shot read of the current session and a push
// channel of sign-in, sign-out and token refresh events.
package identity

import "context"

// Identity is the caller as reported by the identity provider. The portal
// never mutates it.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Session pairs the current identity with its renewable token. A nil
// Identity means nobody is signed in.
type Session struct {
	Identity *Identity
	Token    string
}

// Authenticated reports whether a caller and token are both present.
func (s Session) Authenticated() bool {
	return s.Identity != nil && s.Token != ""
}

// EventType discriminates identity change notifications.
type EventType string

const (
	SignedIn       EventType = "SIGNED_IN"
	SignedOut      EventType = "SIGNED_OUT"
	TokenRefreshed EventType = "TOKEN_REFRESHED"
)

// Event is a snapshot of the session immediately after a change took effect
// upstream.
type Event struct {
	Type    EventType
	Session Session
}

// Source is the identity provider as seen by the session machinery.
type Source interface {
	// CurrentSession performs the one-shot read of the current session.
	CurrentSession(ctx context.Context) (Session, error)
	// Subscribe registers fn for every subsequent change. Events may be
	// delivered from any goroutine. The returned func unsubscribes.
	Subscribe(fn func(Event)) (unsubscribe func())
}

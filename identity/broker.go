package identity

import (
	"context"
	"sync"
)

// Reader performs the one-shot session read against the provider.
type Reader func(ctx context.Context) (Session, error)

// Broker is an in-memory Source for a single browsing context. Transitions
// update the held session first and then notify subscribers, so a
// subscriber reading CurrentSession from its callback sees the new state.
type Broker struct {
	mu      sync.Mutex
	session Session
	reader  Reader
	subs    map[int]func(Event)
	nextID  int
}

// BrokerOption customises a Broker.
type BrokerOption func(*Broker)

// WithReader replaces the in-memory one-shot read, e.g. to re-verify the
// session against the provider. A successful read also updates the held
// session.
func WithReader(r Reader) BrokerOption {
	return func(b *Broker) { b.reader = r }
}

// NewBroker returns a broker holding initial.
func NewBroker(initial Session, opts ...BrokerOption) *Broker {
	b := &Broker{session: initial, subs: make(map[int]func(Event))}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CurrentSession implements Source.
func (b *Broker) CurrentSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	b.mu.Lock()
	reader := b.reader
	current := b.session
	b.mu.Unlock()

	if reader == nil {
		return current, nil
	}

	session, err := reader(ctx)
	if err != nil {
		return Session{}, err
	}
	b.mu.Lock()
	b.session = session
	b.mu.Unlock()
	return session, nil
}

// Subscribe implements Source.
func (b *Broker) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Session returns the held session without consulting the reader.
func (b *Broker) Session() Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// SignIn records id as the current caller and emits SIGNED_IN.
func (b *Broker) SignIn(id Identity, token string) {
	b.publish(SignedIn, func(s *Session) {
		copied := id
		s.Identity = &copied
		s.Token = token
	})
}

// SignOut clears the session and emits SIGNED_OUT.
func (b *Broker) SignOut() {
	b.publish(SignedOut, func(s *Session) {
		*s = Session{}
	})
}

// RefreshToken swaps the token and emits TOKEN_REFRESHED. It is ignored
// when nobody is signed in.
func (b *Broker) RefreshToken(token string) {
	b.mu.Lock()
	signedIn := b.session.Identity != nil
	b.mu.Unlock()
	if !signedIn {
		return
	}
	b.publish(TokenRefreshed, func(s *Session) {
		s.Token = token
	})
}

func (b *Broker) publish(kind EventType, mutate func(*Session)) {
	b.mu.Lock()
	mutate(&b.session)
	event := Event{Type: kind, Session: b.session}
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}

// Package session holds the single authoritative in-process view of "who is
// logged in". State is derived from the identity provider's change feed: the
// event loop is the only writer, events are applied strictly in delivery
// order, and the last delivered event wins.
package session

import (
	"context"
	"sync"

	"github.com/ataboard/ataboard/internal/identity"
	"github.com/rs/zerolog/log"
)

// State is the store's authentication state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateAuthenticated State = "authenticated"
	StateAnonymous     State = "anonymous"
)

// SignUpOutcome distinguishes a signup that produced a session from one that
// is pending email confirmation.
type SignUpOutcome string

const (
	SignedUpAuthenticated     SignUpOutcome = "authenticated"
	SignUpConfirmationPending SignUpOutcome = "confirmation_pending"
)

// Gateway is the slice of the identity provider contract the store needs.
// Implementations must broadcast a change event for every state-altering
// outcome, including a SIGNED_OUT event when sign-out fails at the provider.
type Gateway interface {
	SignIn(ctx context.Context, email, password string) (*identity.Session, error)
	SignUp(ctx context.Context, email, password, displayName string) (*identity.SignUpResult, error)
	SignOut(ctx context.Context, accessToken string) error
	RequestPasswordReset(ctx context.Context, email string) error
	CurrentSession(ctx context.Context, refreshToken string) (*identity.Session, error)
	Subscribe(fn func(identity.Event, *identity.Session)) func()
}

// Snapshot is an atomic read of the store.
type Snapshot struct {
	State   State
	Session *identity.Session
}

// Authenticated reports whether the snapshot holds a live session.
func (s Snapshot) Authenticated() bool {
	return s.State == StateAuthenticated && s.Session != nil
}

type change struct {
	event   identity.Event
	session *identity.Session
}

// Store owns the current session. Create with New, release with Close.
type Store struct {
	gw Gateway

	mu      sync.RWMutex
	state   State
	session *identity.Session

	events      chan change
	stop        chan struct{}
	done        chan struct{}
	unsubscribe func()
	closeOnce   sync.Once
}

// New subscribes to the gateway's change feed and starts the event loop.
// The store starts Uninitialized; call Bootstrap to resolve the initial
// session. The caller must Close the store to release the subscription.
func New(gw Gateway) *Store {
	s := &Store{
		gw:     gw,
		state:  StateUninitialized,
		events: make(chan change, 16),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.unsubscribe = gw.Subscribe(func(evt identity.Event, sess *identity.Session) {
		select {
		case s.events <- change{event: evt, session: sess}:
		case <-s.stop:
		}
	})
	go s.run()
	return s
}

// Close tears down the feed subscription and stops the event loop. Safe to
// call more than once.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		close(s.stop)
		<-s.done
	})
}

// Snapshot returns the current state and session atomically.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{State: s.state, Session: s.session}
}

// Bootstrap resolves the initial session from a stored refresh token (empty
// means no stored credentials). The store passes through Loading and settles
// on Authenticated or Anonymous via the INITIAL_SESSION event; the returned
// error never leaves the store stuck in Loading.
func (s *Store) Bootstrap(ctx context.Context, refreshToken string) error {
	s.mu.Lock()
	if s.state == StateUninitialized {
		s.state = StateLoading
	}
	s.mu.Unlock()

	if _, err := s.gw.CurrentSession(ctx, refreshToken); err != nil {
		// Provider unreachable: settle on Anonymous rather than Loading.
		s.enqueue(change{event: identity.EventInitialSession})
		return err
	}
	return nil
}

// SignIn authenticates with the provider. The state transition is driven by
// the delivered SIGNED_IN event, not by this call's return value; on failure
// the store keeps its prior state.
func (s *Store) SignIn(ctx context.Context, email, password string) error {
	_, err := s.gw.SignIn(ctx, email, password)
	return err
}

// SignUp registers a new identity. A confirmation-pending signup leaves the
// store's state untouched (the provider issued no session yet).
func (s *Store) SignUp(ctx context.Context, email, password, displayName string) (SignUpOutcome, error) {
	res, err := s.gw.SignUp(ctx, email, password, displayName)
	if err != nil {
		return "", err
	}
	if res.RequiresConfirmation {
		return SignUpConfirmationPending, nil
	}
	return SignedUpAuthenticated, nil
}

// SignOut revokes the session and forces Anonymous regardless of the
// provider's acknowledgement. Logout must never leave stale authenticated
// state visible.
func (s *Store) SignOut(ctx context.Context) error {
	snap := s.Snapshot()
	token := ""
	if snap.Session != nil {
		token = snap.Session.AccessToken
	}
	err := s.gw.SignOut(ctx, token)
	if err != nil {
		log.Warn().Err(err).Msg("session: provider sign-out failed; clearing local session anyway")
	}
	// Belt and braces: the gateway broadcasts SIGNED_OUT itself, but the
	// store must end up Anonymous even against a gateway that does not.
	s.enqueue(change{event: identity.EventSignedOut})
	return err
}

// RequestPasswordReset is fire-and-forget relative to session state.
func (s *Store) RequestPasswordReset(ctx context.Context, email string) error {
	return s.gw.RequestPasswordReset(ctx, email)
}

func (s *Store) enqueue(ch change) {
	select {
	case s.events <- ch:
	case <-s.stop:
	}
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case ch := <-s.events:
			s.apply(ch)
		case <-s.stop:
			return
		}
	}
}

// apply replaces the held session wholesale. Only the event loop calls this.
func (s *Store) apply(ch change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.session != nil {
		s.state = StateAuthenticated
		s.session = ch.session
	} else {
		s.state = StateAnonymous
		s.session = nil
	}
}

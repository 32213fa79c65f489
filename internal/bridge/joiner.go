package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/vovakirdan/wirebridge/internal/core"
	"github.com/vovakirdan/wirebridge/internal/pool"
	"github.com/vovakirdan/wirebridge/internal/store"
)

// SessionJoiner joins local users to remote channels through their own
// pooled sessions.
type SessionJoiner struct {
	pool  *pool.Pool
	users store.UserStore
}

// NewSessionJoiner builds a SessionJoiner.
func NewSessionJoiner(p *pool.Pool, users store.UserStore) *SessionJoiner {
	return &SessionJoiner{pool: p, users: users}
}

// NickFor returns the nick userID uses on network: the configured nick when
// the user picked one, a nick derived from the display name otherwise.
func (j *SessionJoiner) NickFor(ctx context.Context, network, userID, displayName string) (string, error) {
	cfg, err := j.users.GetUserConfig(ctx, userID, network)
	switch {
	case err == nil && cfg.Nick != "":
		return cfg.Nick, nil
	case err == nil, errors.Is(err, store.ErrNotFound):
		return core.DeriveNick(displayName, userID), nil
	default:
		return "", fmt.Errorf("user config of %s: %w", userID, err)
	}
}

// JoinUserToChannel implements membership.Joiner.
func (j *SessionJoiner) JoinUserToChannel(ctx context.Context, network, channel, userID, displayName string) error {
	if s, ok := j.pool.SessionForUser(network, userID); ok && s.InChannel(channel) {
		return nil
	}
	nick, err := j.NickFor(ctx, network, userID, displayName)
	if err != nil {
		return err
	}
	s, err := j.pool.EnsureSession(network, userID, nick)
	if err != nil {
		return err
	}
	return s.Join(ctx, channel)
}

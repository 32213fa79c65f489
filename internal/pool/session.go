package pool

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vovakirdan/wirebridge/internal/core"
	"github.com/vovakirdan/wirebridge/internal/remote"
)

// Status is the connection state of a Session.
type Status int

const (
	StatusPending Status = iota
	StatusConnected
	StatusDisconnected
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Session is one connection to a remote network, owned either by the bridge
// bot or by a single local user.
type Session struct {
	ID      string
	Network string
	UserID  string
	IsBot   bool

	pool   *Pool
	client remote.Client

	mu           sync.Mutex
	desiredNick  string
	nick         string
	status       Status
	lastActiveAt time.Time
	explicit     bool
	channels     map[string]struct{}
	// channels of the replaced session not rejoined yet
	rejoin map[string]struct{}

	connectedOnce sync.Once
	connected     chan struct{}
	doneOnce      sync.Once
	done          chan struct{}
}

// SessionInfo is a point-in-time view of a Session.
type SessionInfo struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	IsBot        bool      `json:"is_bot"`
	Nick         string    `json:"nick"`
	DesiredNick  string    `json:"desired_nick"`
	Status       string    `json:"status"`
	LastActiveAt time.Time `json:"last_active_at"`
	Channels     []string  `json:"channels"`
}

// Nick returns the assigned nick, or the desired one before connect.
func (s *Session) Nick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nick != "" {
		return s.nick
	}
	return s.desiredNick
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActiveAt returns the last time the session did something on behalf of its owner.
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// Touch marks the session as active now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActiveAt = s.pool.now()
	s.mu.Unlock()
}

// Channels returns the channels the session has joined, sorted.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelsLocked()
}

func (s *Session) channelsLocked() []string {
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// heldChannelsLocked returns the joined channels plus those still waiting to
// be rejoined, sorted.
func (s *Session) heldChannelsLocked() []string {
	out := s.channelsLocked()
	for ch := range s.rejoin {
		if _, ok := s.channels[ch]; !ok {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Session) rejoinDone(channel string) {
	s.mu.Lock()
	delete(s.rejoin, strings.ToLower(channel))
	s.mu.Unlock()
}

// InChannel reports whether the session has joined channel.
func (s *Session) InChannel(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[strings.ToLower(channel)]
	return ok
}

// Info snapshots the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:           s.ID,
		UserID:       s.UserID,
		IsBot:        s.IsBot,
		Nick:         s.nick,
		DesiredNick:  s.desiredNick,
		Status:       s.status.String(),
		LastActiveAt: s.lastActiveAt,
		Channels:     s.channelsLocked(),
	}
}

// WaitConnected blocks until the network acknowledged the session, the
// session ended, or ctx is done.
func (s *Session) WaitConnected(ctx context.Context) error {
	select {
	case <-s.connected:
		return nil
	case <-s.done:
		// connected may have raced with done
		select {
		case <-s.connected:
			if s.Status() == StatusConnected {
				return nil
			}
		default:
		}
		return core.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the session is disconnected or discarded.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Join joins channel once the session is connected and records it for rejoin
// after a reconnect.
func (s *Session) Join(ctx context.Context, channel string) error {
	if err := s.WaitConnected(ctx); err != nil {
		return err
	}
	if err := s.client.Join(ctx, channel); err != nil {
		return err
	}
	s.mu.Lock()
	s.channels[strings.ToLower(channel)] = struct{}{}
	s.lastActiveAt = s.pool.now()
	s.mu.Unlock()
	return nil
}

// Leave parts channel.
func (s *Session) Leave(ctx context.Context, channel string) error {
	if err := s.WaitConnected(ctx); err != nil {
		return err
	}
	if err := s.client.Leave(ctx, channel); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.channels, strings.ToLower(channel))
	s.lastActiveAt = s.pool.now()
	s.mu.Unlock()
	return nil
}

// Disconnect closes the session on the bridge's initiative. It is never
// reconnected afterwards.
func (s *Session) Disconnect(reason string) error {
	s.mu.Lock()
	s.explicit = true
	s.mu.Unlock()
	s.pool.unregister(s)
	return s.client.Disconnect(reason)
}

func (s *Session) markConnected() {
	s.connectedOnce.Do(func() { close(s.connected) })
}

func (s *Session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// sessionEvents adapts remote client callbacks to the owning pool.
type sessionEvents struct {
	pool    *Pool
	session *Session
}

var _ remote.Events = sessionEvents{}

func (e sessionEvents) OnConnected(nick string) {
	e.pool.handleConnected(e.session, nick)
}

func (e sessionEvents) OnDisconnected(reason string) {
	e.pool.handleDisconnected(e.session, reason)
}

func (e sessionEvents) OnNickChanged(oldNick, newNick string) {
	e.pool.handleNickChanged(e.session, oldNick, newNick)
}

func (e sessionEvents) OnJoinError(channel, code string) {
	e.pool.handleJoinError(e.session, channel, code)
}

func (e sessionEvents) OnRoster(channel string, members []string) {
	e.pool.handleRoster(e.session, channel, members)
}

func (e sessionEvents) OnChannelModes(channel string, modes remote.ModeSet) {
	e.pool.handleChannelModes(e.session, channel, modes)
}

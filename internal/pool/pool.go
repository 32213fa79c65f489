// Package pool owns the remote sessions of every bridged network.
package pool

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirebridge/internal/core"
	"github.com/vovakirdan/wirebridge/internal/metrics"
	"github.com/vovakirdan/wirebridge/internal/queue"
	"github.com/vovakirdan/wirebridge/internal/remote"
)

// Ejector removes a local user from the rooms mapped to a channel the user
// can never join.
type Ejector interface {
	EjectFromChannel(ctx context.Context, network, channel, userID, reason string) error
}

// RosterHandler receives full channel rosters of one network.
type RosterHandler interface {
	UpdateMemberList(ctx context.Context, channel string, members []string) error
}

// ModeHandler receives the channel mode flags of one line.
type ModeHandler func(ctx context.Context, network, channel string, modes remote.ModeSet) error

// Options configures a Pool.
type Options struct {
	Dialer  remote.Dialer
	Ejector Ejector
	Logger  *zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// NetworkStats summarises one network's sessions.
type NetworkStats struct {
	Network          string `json:"network"`
	MaxClients       int    `json:"max_clients"`
	Sessions         int    `json:"sessions"`
	Connected        int    `json:"connected"`
	PendingNicks     int    `json:"pending_nicks"`
	BotNick          string `json:"bot_nick,omitempty"`
	ReconnectWaiting int    `json:"reconnect_waiting"`
}

type networkState struct {
	network core.Network

	// nick keys are lower-cased
	byNick  map[string]*Session
	pending map[string]*Session
	byUser  map[string]*Session
	bot     *Session

	rosters    RosterHandler
	events     *queue.TaskQueue[func(context.Context) error, struct{}]
	reconnects *queue.QueuePool[*reconnectJob, struct{}]
}

// Pool creates, indexes, evicts, and reconnects sessions.
//
// Index mutations happen under mu and never span a network call; disconnects
// triggered by the pool run on their own goroutines.
type Pool struct {
	ctx     context.Context
	dialer  remote.Dialer
	ejector Ejector
	log     zerolog.Logger
	now     func() time.Time

	mu          sync.Mutex
	networks    map[string]*networkState
	modeHandler ModeHandler
	closed      bool
}

// New creates an empty pool. ctx bounds every background task of the pool.
func New(ctx context.Context, opts Options) *Pool {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pool{
		ctx:      ctx,
		dialer:   opts.Dialer,
		ejector:  opts.Ejector,
		log:      logger.With().Str("module", "pool").Logger(),
		now:      now,
		networks: make(map[string]*networkState),
	}
}

// AddNetwork registers a network. Sessions can only be created on registered networks.
func (p *Pool) AddNetwork(n core.Network) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return queue.ErrClosed
	}
	if _, ok := p.networks[n.Domain]; ok {
		return fmt.Errorf("network %s already registered", n.Domain)
	}

	ns := &networkState{
		network: n,
		byNick:  make(map[string]*Session),
		pending: make(map[string]*Session),
		byUser:  make(map[string]*Session),
	}
	ns.events = queue.NewTaskQueue(p.ctx, "events-"+n.Domain, p.runEvent)
	if n.ReconnectConcurrency > 0 {
		reconnects, err := queue.NewQueuePool(p.ctx, "reconnect-"+n.Domain, n.ReconnectConcurrency, p.runReconnect)
		if err != nil {
			return fmt.Errorf("reconnect pool: %w", err)
		}
		ns.reconnects = reconnects
	}
	p.networks[n.Domain] = ns

	p.log.Info().
		Str("network", n.Domain).
		Int("max_clients", n.MaxClients).
		Int("reconnect_concurrency", n.ReconnectConcurrency).
		Msg("network registered")
	return nil
}

// Network returns the configuration of a registered network.
func (p *Pool) Network(domain string) (core.Network, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ns, ok := p.networks[domain]
	if !ok {
		return core.Network{}, false
	}
	return ns.network, true
}

// Networks returns every registered network sorted by domain.
func (p *Pool) Networks() []core.Network {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.Network, 0, len(p.networks))
	for _, ns := range p.networks {
		out = append(out, ns.network)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// RegisterRosterHandler routes rosters received on network to h.
func (p *Pool) RegisterRosterHandler(network string, h RosterHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ns, ok := p.networks[network]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownNetwork, network)
	}
	ns.rosters = h
	return nil
}

// SetModeHandler routes channel mode changes of every network to h.
func (p *Pool) SetModeHandler(h ModeHandler) {
	p.mu.Lock()
	p.modeHandler = h
	p.mu.Unlock()
}

// CreateSession registers a new session and starts connecting it in the
// background. An existing live session for the same owner is returned instead.
// When the network is at capacity the least recently active virtual session
// is evicted first.
func (p *Pool) CreateSession(network, userID, nick string, isBot bool) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, queue.ErrClosed
	}
	ns, ok := p.networks[network]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownNetwork, network)
	}
	if isBot && ns.bot != nil {
		s := ns.bot
		p.mu.Unlock()
		return s, nil
	}
	if !isBot {
		if s, ok := ns.byUser[userID]; ok {
			p.mu.Unlock()
			return s, nil
		}
	}

	p.checkLimitLocked(ns)
	s := p.newSessionLocked(ns, userID, nick, isBot)
	p.mu.Unlock()

	go p.connect(s)
	return s, nil
}

// EnsureSession returns the user's live session on network, creating one with nick if needed.
func (p *Pool) EnsureSession(network, userID, nick string) (*Session, error) {
	return p.CreateSession(network, userID, nick, false)
}

// StartBot creates the bot session of network.
func (p *Pool) StartBot(network string) (*Session, error) {
	n, ok := p.Network(network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownNetwork, network)
	}
	return p.CreateSession(network, "", n.BotNick, true)
}

// BotSession returns the bot session of network.
func (p *Pool) BotSession(network string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ns, ok := p.networks[network]
	if !ok || ns.bot == nil {
		return nil, false
	}
	return ns.bot, true
}

// SessionForUser returns the live session of a local user.
func (p *Pool) SessionForUser(network, userID string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ns, ok := p.networks[network]
	if !ok {
		return nil, false
	}
	s, ok := ns.byUser[userID]
	return s, ok
}

// SessionForNick returns the connected session using nick.
func (p *Pool) SessionForNick(network, nick string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ns, ok := p.networks[network]
	if !ok {
		return nil, false
	}
	s, ok := ns.byNick[nickKey(nick)]
	return s, ok
}

// UserIDForNick attributes a nick to a bridged session, including sessions
// still waiting for the network to acknowledge their nick. The bot maps to "".
func (p *Pool) UserIDForNick(network, nick string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ns, ok := p.networks[network]
	if !ok {
		return "", false
	}
	key := nickKey(nick)
	if s, ok := ns.byNick[key]; ok {
		return s.UserID, true
	}
	if s, ok := ns.pending[key]; ok {
		return s.UserID, true
	}
	return "", false
}

// IsBridgedNick reports whether nick belongs to one of the pool's sessions.
func (p *Pool) IsBridgedNick(network, nick string) bool {
	_, ok := p.UserIDForNick(network, nick)
	return ok
}

// Sessions returns the registered sessions of network, bot first.
func (p *Pool) Sessions(network string) []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	ns, ok := p.networks[network]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(ns.byUser)+1)
	if ns.bot != nil {
		out = append(out, ns.bot)
	}
	users := make([]string, 0, len(ns.byUser))
	for userID := range ns.byUser {
		users = append(users, userID)
	}
	sort.Strings(users)
	for _, userID := range users {
		out = append(out, ns.byUser[userID])
	}
	return out
}

// Stats summarises every network.
func (p *Pool) Stats() []NetworkStats {
	p.mu.Lock()
	states := make([]*networkState, 0, len(p.networks))
	for _, ns := range p.networks {
		states = append(states, ns)
	}
	p.mu.Unlock()

	out := make([]NetworkStats, 0, len(states))
	for _, ns := range states {
		p.mu.Lock()
		st := NetworkStats{
			Network:      ns.network.Domain,
			MaxClients:   ns.network.MaxClients,
			Sessions:     p.countLocked(ns),
			Connected:    len(ns.byNick),
			PendingNicks: len(ns.pending),
		}
		if ns.bot != nil {
			st.BotNick = ns.bot.Nick()
		}
		reconnects := ns.reconnects
		p.mu.Unlock()
		if reconnects != nil {
			st.ReconnectWaiting = reconnects.WaitingItems()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Network < out[j].Network })
	return out
}

// Close disconnects every session and stops accepting work.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var sessions []*Session
	var states []*networkState
	for _, ns := range p.networks {
		states = append(states, ns)
		if ns.bot != nil {
			sessions = append(sessions, ns.bot)
		}
		for _, s := range ns.byUser {
			sessions = append(sessions, s)
		}
	}
	for _, s := range sessions {
		s.mu.Lock()
		s.explicit = true
		s.mu.Unlock()
		p.unregisterLocked(p.networks[s.Network], s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		if err := s.client.Disconnect("bridge shutting down"); err != nil {
			p.log.Debug().Err(err).Str("session", s.ID).Msg("disconnect on close failed")
		}
		s.markDone()
	}
	for _, ns := range states {
		ns.events.Close()
		if ns.reconnects != nil {
			ns.reconnects.Close()
		}
	}
	p.log.Info().Int("sessions", len(sessions)).Msg("pool closed")
}

func nickKey(nick string) string {
	return strings.ToLower(nick)
}

func (p *Pool) countLocked(ns *networkState) int {
	n := len(ns.byUser)
	if ns.bot != nil {
		n++
	}
	return n
}

// checkLimitLocked evicts the least recently active virtual session when the
// network has no room for one more session.
func (p *Pool) checkLimitLocked(ns *networkState) {
	limit := ns.network.MaxClients
	if limit == 0 {
		return
	}
	if p.countLocked(ns) < limit {
		return
	}

	var victim *Session
	var oldest time.Time
	for _, s := range ns.byUser {
		at := s.LastActiveAt()
		if victim == nil || at.Before(oldest) {
			victim, oldest = s, at
		}
	}
	if victim == nil {
		p.log.Warn().Str("network", ns.network.Domain).Int("max_clients", limit).Msg("at capacity with no evictable session")
		return
	}

	victim.mu.Lock()
	victim.explicit = true
	victim.status = StatusDead
	victim.mu.Unlock()
	p.unregisterLocked(ns, victim)
	victim.markDone()
	metrics.SessionEvictionsTotal.WithLabelValues(ns.network.Domain).Inc()

	p.log.Info().
		Str("network", ns.network.Domain).
		Str("user_id", victim.UserID).
		Str("session", victim.ID).
		Time("last_active_at", oldest).
		Msg("evicting session for capacity")

	go func() {
		if err := victim.client.Disconnect("capacity exceeded"); err != nil {
			p.log.Debug().Err(err).Str("session", victim.ID).Msg("evicted session disconnect failed")
		}
	}()
}

// newSessionLocked builds a session and reserves its nick provisionally.
func (p *Pool) newSessionLocked(ns *networkState, userID, nick string, isBot bool) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		Network:      ns.network.Domain,
		UserID:       userID,
		IsBot:        isBot,
		pool:         p,
		desiredNick:  p.freeNickLocked(ns, nick),
		status:       StatusPending,
		lastActiveAt: p.now(),
		channels:     make(map[string]struct{}),
		connected:    make(chan struct{}),
		done:         make(chan struct{}),
	}
	cfg := remote.ClientConfig{
		Network:  ns.network.Domain,
		URL:      ns.network.URL,
		Nick:     s.desiredNick,
		Username: s.desiredNick,
		Realname: userID,
	}
	if isBot {
		cfg.Realname = "bridge bot"
	}
	s.client = p.dialer.NewClient(cfg, sessionEvents{pool: p, session: s})

	ns.pending[nickKey(s.desiredNick)] = s
	if isBot {
		ns.bot = s
	} else {
		ns.byUser[userID] = s
	}
	p.updateGaugesLocked(ns)
	return s
}

// freeNickLocked appends underscores to nick until no other session holds or
// reserves it.
func (p *Pool) freeNickLocked(ns *networkState, nick string) string {
	for i := 0; ; i++ {
		candidate := nick
		if i > 0 {
			suffix := strings.Repeat("_", i)
			if i > 3 {
				suffix = "_" + strconv.Itoa(i)
			}
			if len(candidate)+len(suffix) > core.MaxNickLength {
				candidate = candidate[:core.MaxNickLength-len(suffix)]
			}
			candidate += suffix
		}
		key := nickKey(candidate)
		_, live := ns.byNick[key]
		_, reserved := ns.pending[key]
		if !live && !reserved {
			return candidate
		}
	}
}

// unregisterLocked removes s from every index and reports whether it was registered.
func (p *Pool) unregisterLocked(ns *networkState, s *Session) bool {
	if ns == nil {
		return false
	}
	registered := false
	if ns.bot == s {
		ns.bot = nil
		registered = true
	}
	if cur, ok := ns.byUser[s.UserID]; ok && cur == s {
		delete(ns.byUser, s.UserID)
		registered = true
	}
	for key, cur := range ns.byNick {
		if cur == s {
			delete(ns.byNick, key)
		}
	}
	for key, cur := range ns.pending {
		if cur == s {
			delete(ns.pending, key)
		}
	}
	p.updateGaugesLocked(ns)
	return registered
}

func (p *Pool) unregister(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unregisterLocked(p.networks[s.Network], s)
}

func (p *Pool) updateGaugesLocked(ns *networkState) {
	bots := 0
	if ns.bot != nil {
		bots = 1
	}
	metrics.SessionsActive.WithLabelValues(ns.network.Domain, "bot").Set(float64(bots))
	metrics.SessionsActive.WithLabelValues(ns.network.Domain, "virtual").Set(float64(len(ns.byUser)))
}

func (p *Pool) connect(s *Session) {
	if err := s.client.Connect(p.ctx); err != nil {
		p.failSession(s, err)
	}
}

// failSession discards a session whose connect attempt failed.
func (p *Pool) failSession(s *Session, err error) {
	p.mu.Lock()
	s.mu.Lock()
	if s.status == StatusDead {
		s.mu.Unlock()
		p.mu.Unlock()
		return
	}
	s.status = StatusDead
	s.explicit = true
	s.mu.Unlock()
	p.unregisterLocked(p.networks[s.Network], s)
	p.mu.Unlock()
	s.markDone()

	p.log.Warn().
		Err(err).
		Str("network", s.Network).
		Str("user_id", s.UserID).
		Str("session", s.ID).
		Msg("session connect failed")

	go func() {
		_ = s.client.Disconnect("connect failed")
	}()
}

func (p *Pool) handleConnected(s *Session, nick string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ns, ok := p.networks[s.Network]
	if !ok {
		return
	}
	s.mu.Lock()
	if s.status != StatusPending {
		s.mu.Unlock()
		return
	}
	s.status = StatusConnected
	s.nick = nick
	desired := s.desiredNick
	s.mu.Unlock()

	if cur, ok := ns.pending[nickKey(desired)]; ok && cur == s {
		delete(ns.pending, nickKey(desired))
	}
	key := nickKey(nick)
	if other, ok := ns.byNick[key]; ok && other != s {
		p.log.Warn().Str("network", s.Network).Str("nick", nick).Str("stale_session", other.ID).Msg("nick taken over from stale session")
	}
	ns.byNick[key] = s
	s.markConnected()

	level := zerolog.InfoLevel
	if !strings.EqualFold(nick, desired) {
		level = zerolog.WarnLevel
	}
	p.log.WithLevel(level).
		Str("desired_nick", desired).
		Str("network", s.Network).
		Str("user_id", s.UserID).
		Str("nick", nick).
		Bool("bot", s.IsBot).
		Msg("session connected")
}

func (p *Pool) handleNickChanged(s *Session, oldNick, newNick string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ns, ok := p.networks[s.Network]
	if !ok {
		return
	}
	s.mu.Lock()
	live := s.status == StatusConnected
	s.nick = newNick
	s.mu.Unlock()

	if cur, ok := ns.byNick[nickKey(oldNick)]; ok && cur == s {
		delete(ns.byNick, nickKey(oldNick))
	}
	if live {
		ns.byNick[nickKey(newNick)] = s
	}
	p.log.Debug().Str("network", s.Network).Str("old_nick", oldNick).Str("new_nick", newNick).Msg("session nick changed")
}

func (p *Pool) handleJoinError(s *Session, channel, code string) {
	logEvent := p.log.Warn().
		Str("network", s.Network).
		Str("channel", channel).
		Str("code", code).
		Str("user_id", s.UserID)
	if s.IsBot || !core.IsFatalJoinCode(code) || p.ejector == nil {
		logEvent.Msg("join refused")
		return
	}
	logEvent.Msg("join refused, ejecting user from mapped rooms")

	reason := fmt.Sprintf("remote network refused to join %s (%s)", channel, code)
	p.dispatch(s.Network, "eject-"+s.UserID, func(ctx context.Context) error {
		return p.ejector.EjectFromChannel(ctx, s.Network, channel, s.UserID, reason)
	})
}

// handleRoster forwards rosters seen by the bot; it sits in every tracked
// channel, so virtual sessions' copies would only repeat the same diff.
func (p *Pool) handleRoster(s *Session, channel string, members []string) {
	if !s.IsBot {
		return
	}
	p.mu.Lock()
	ns, ok := p.networks[s.Network]
	var h RosterHandler
	if ok {
		h = ns.rosters
	}
	p.mu.Unlock()
	if h == nil {
		return
	}
	p.dispatch(s.Network, "roster-"+channel, func(ctx context.Context) error {
		return h.UpdateMemberList(ctx, channel, members)
	})
}

func (p *Pool) handleChannelModes(s *Session, channel string, modes remote.ModeSet) {
	p.mu.Lock()
	h := p.modeHandler
	p.mu.Unlock()
	if h == nil {
		return
	}
	p.dispatch(s.Network, "mode-"+channel, func(ctx context.Context) error {
		return h(ctx, s.Network, channel, modes)
	})
}

// dispatch runs f on the network's event queue, off the client's read loop and
// in arrival order.
func (p *Pool) dispatch(network, id string, f func(context.Context) error) {
	p.mu.Lock()
	ns, ok := p.networks[network]
	p.mu.Unlock()
	if !ok {
		return
	}
	ns.events.Enqueue(id, f)
}

func (p *Pool) runEvent(ctx context.Context, f func(context.Context) error) (struct{}, error) {
	if err := f(ctx); err != nil {
		p.log.Warn().Err(err).Msg("event handler failed")
		return struct{}{}, err
	}
	return struct{}{}, nil
}

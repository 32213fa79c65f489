package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirebridge/internal/core"
	"github.com/vovakirdan/wirebridge/internal/remote"
)

type fakeClient struct {
	cfg    remote.ClientConfig
	events remote.Events
	dialer *fakeDialer

	mu         sync.Mutex
	joins      []string
	quitReason string
	closed     bool
}

func (c *fakeClient) Connect(ctx context.Context) error {
	if hook := c.dialer.connectHook; hook != nil {
		return hook(ctx, c)
	}
	c.events.OnConnected(c.cfg.Nick)
	return nil
}

func (c *fakeClient) Disconnect(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.quitReason = reason
	c.mu.Unlock()
	c.events.OnDisconnected(reason)
	return nil
}

func (c *fakeClient) Join(ctx context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins = append(c.joins, channel)
	return nil
}

func (c *fakeClient) Leave(ctx context.Context, channel string) error {
	return nil
}

func (c *fakeClient) Nick() string {
	return c.cfg.Nick
}

// drop simulates the network closing the connection.
func (c *fakeClient) drop(reason string) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.events.OnDisconnected(reason)
}

func (c *fakeClient) joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.joins...)
	sort.Strings(out)
	return out
}

func (c *fakeClient) quit() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quitReason
}

type fakeDialer struct {
	connectHook func(ctx context.Context, c *fakeClient) error

	mu      sync.Mutex
	clients []*fakeClient
}

func (d *fakeDialer) NewClient(cfg remote.ClientConfig, events remote.Events) remote.Client {
	c := &fakeClient{cfg: cfg, events: events, dialer: d}
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return c
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) last() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[len(d.clients)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type ejection struct {
	network, channel, userID, reason string
}

type fakeEjector struct {
	mu   sync.Mutex
	seen []ejection
}

func (e *fakeEjector) EjectFromChannel(ctx context.Context, network, channel, userID, reason string) error {
	e.mu.Lock()
	e.seen = append(e.seen, ejection{network, channel, userID, reason})
	e.mu.Unlock()
	return nil
}

func (e *fakeEjector) all() []ejection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ejection(nil), e.seen...)
}

type fakeRosters struct {
	mu    sync.Mutex
	calls map[string][]string
}

func (r *fakeRosters) UpdateMemberList(ctx context.Context, channel string, members []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string][]string)
	}
	r.calls[channel] = members
	return nil
}

func (r *fakeRosters) get(channel string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.calls[channel]
	return m, ok
}

const testNetwork = "irc.example.org"

type harness struct {
	pool    *Pool
	dialer  *fakeDialer
	ejector *fakeEjector
	clock   *fakeClock
}

func newHarness(t *testing.T, n core.Network) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		dialer:  &fakeDialer{},
		ejector: &fakeEjector{},
		clock:   &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	h.pool = New(ctx, Options{Dialer: h.dialer, Ejector: h.ejector, Now: h.clock.Now})
	if n.Domain == "" {
		n.Domain = testNetwork
	}
	if n.BotNick == "" {
		n.BotNick = "bridge"
	}
	require.NoError(t, h.pool.AddNetwork(n))
	t.Cleanup(func() {
		h.pool.Close()
		cancel()
	})
	return h
}

func waitConnected(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitConnected(ctx))
}

func TestCreateSessionReservesNickBeforeConnect(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, core.Network{})
	h.dialer.connectHook = func(ctx context.Context, c *fakeClient) error {
		<-gate
		c.events.OnConnected(c.cfg.Nick)
		return nil
	}

	s, err := h.pool.CreateSession(testNetwork, "@alice:example.org", "alice", false)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, s.Status())

	userID, ok := h.pool.UserIDForNick(testNetwork, "Alice")
	require.True(t, ok, "pending nick must already be attributed")
	assert.Equal(t, "@alice:example.org", userID)
	_, live := h.pool.SessionForNick(testNetwork, "alice")
	assert.False(t, live)

	close(gate)
	waitConnected(t, s)

	got, ok := h.pool.SessionForNick(testNetwork, "alice")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 0, h.pool.Stats()[0].PendingNicks)
}

func TestConnectedNickReplacesDesiredNick(t *testing.T) {
	h := newHarness(t, core.Network{})
	h.dialer.connectHook = func(ctx context.Context, c *fakeClient) error {
		c.events.OnConnected(c.cfg.Nick + "`")
		return nil
	}

	s, err := h.pool.CreateSession(testNetwork, "@alice:example.org", "alice", false)
	require.NoError(t, err)
	waitConnected(t, s)

	assert.Equal(t, "alice`", s.Nick())
	_, ok := h.pool.UserIDForNick(testNetwork, "alice")
	assert.False(t, ok, "desired nick reservation must be released")
	userID, ok := h.pool.UserIDForNick(testNetwork, "alice`")
	require.True(t, ok)
	assert.Equal(t, "@alice:example.org", userID)
}

func TestNickChangeIsReindexed(t *testing.T) {
	h := newHarness(t, core.Network{})
	s, err := h.pool.CreateSession(testNetwork, "@alice:example.org", "alice", false)
	require.NoError(t, err)
	waitConnected(t, s)

	h.dialer.last().events.OnNickChanged("alice", "alice_away")

	_, ok := h.pool.SessionForNick(testNetwork, "alice")
	assert.False(t, ok)
	got, ok := h.pool.SessionForNick(testNetwork, "alice_away")
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestOneSessionPerUserAndNick(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, core.Network{})
	h.dialer.connectHook = func(ctx context.Context, c *fakeClient) error {
		<-gate
		c.events.OnConnected(c.cfg.Nick)
		return nil
	}

	first, err := h.pool.EnsureSession(testNetwork, "@alice:example.org", "alice")
	require.NoError(t, err)
	again, err := h.pool.EnsureSession(testNetwork, "@alice:example.org", "alice")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 1, h.dialer.count())

	other, err := h.pool.EnsureSession(testNetwork, "@alice:other.org", "alice")
	require.NoError(t, err)
	assert.NotSame(t, first, other)
	assert.Equal(t, "alice_", other.Nick(), "colliding desired nick must be disambiguated")

	close(gate)
	waitConnected(t, first)
	waitConnected(t, other)

	a, _ := h.pool.SessionForNick(testNetwork, "alice")
	b, _ := h.pool.SessionForNick(testNetwork, "alice_")
	assert.Same(t, first, a)
	assert.Same(t, other, b)
}

func TestCheckLimitEvictsLeastRecentlyActive(t *testing.T) {
	h := newHarness(t, core.Network{MaxClients: 3})

	bot, err := h.pool.StartBot(testNetwork)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	alice, err := h.pool.EnsureSession(testNetwork, "@alice:example.org", "alice")
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	bob, err := h.pool.EnsureSession(testNetwork, "@bob:example.org", "bob")
	require.NoError(t, err)
	waitConnected(t, alice)
	waitConnected(t, bob)

	h.clock.Advance(time.Second)
	alice.Touch()
	bobClient := h.dialer.last()

	carol, err := h.pool.EnsureSession(testNetwork, "@carol:example.org", "carol")
	require.NoError(t, err)
	waitConnected(t, carol)

	assert.Equal(t, StatusDead, bob.Status())
	_, ok := h.pool.SessionForUser(testNetwork, "@bob:example.org")
	assert.False(t, ok)
	require.Eventually(t, func() bool { return bobClient.quit() == "capacity exceeded" }, 2*time.Second, 10*time.Millisecond)

	got, ok := h.pool.BotSession(testNetwork)
	require.True(t, ok)
	assert.Same(t, bot, got)
	_, ok = h.pool.SessionForUser(testNetwork, "@alice:example.org")
	assert.True(t, ok)
	assert.Equal(t, 3, h.pool.Stats()[0].Sessions)
	assert.Equal(t, 4, h.dialer.count(), "evicted session must not be reconnected")
}

func TestCheckLimitNeverEvictsBot(t *testing.T) {
	h := newHarness(t, core.Network{MaxClients: 1})

	bot, err := h.pool.StartBot(testNetwork)
	require.NoError(t, err)
	waitConnected(t, bot)

	alice, err := h.pool.EnsureSession(testNetwork, "@alice:example.org", "alice")
	require.NoError(t, err)
	waitConnected(t, alice)

	got, ok := h.pool.BotSession(testNetwork)
	require.True(t, ok)
	assert.Same(t, bot, got)
	assert.Equal(t, StatusConnected, bot.Status())
}

func TestZeroLimitNeverEvicts(t *testing.T) {
	h := newHarness(t, core.Network{MaxClients: 0})
	for _, user := range []string{"a", "b", "c", "d"} {
		_, err := h.pool.EnsureSession(testNetwork, "@"+user+":example.org", user)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, h.pool.Stats()[0].Sessions)
}

func TestExplicitDisconnectDoesNotReconnect(t *testing.T) {
	h := newHarness(t, core.Network{ReconnectConcurrency: 1})
	s, err := h.pool.EnsureSession(testNetwork, "@alice:example.org", "alice")
	require.NoError(t, err)
	waitConnected(t, s)
	require.NoError(t, s.Join(context.Background(), "#chat"))

	require.NoError(t, s.Disconnect("bye"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.count())
	_, ok := h.pool.SessionForUser(testNetwork, "@alice:example.org")
	assert.False(t, ok)
}

func TestDisconnectWithoutChannelsIsDropped(t *testing.T) {
	h := newHarness(t, core.Network{ReconnectConcurrency: 1})
	s, err := h.pool.EnsureSession(testNetwork, "@alice:example.org", "alice")
	require.NoError(t, err)
	waitConnected(t, s)

	h.dialer.last().drop("ping timeout")

	assert.Equal(t, StatusDisconnected, s.Status())
	_, ok := h.pool.SessionForUser(testNetwork, "@alice:example.org")
	assert.False(t, ok)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.count())
}

func TestDisconnectReconnectsAndRejoins(t *testing.T) {
	tests := []struct {
		name        string
		concurrency int
	}{
		{name: "inline", concurrency: 0},
		{name: "pooled", concurrency: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, core.Network{ReconnectConcurrency: tt.concurrency})
			h.dialer.connectHook = func(ctx context.Context, c *fakeClient) error {
				c.events.OnConnected(c.cfg.Nick + "|away")
				return nil
			}

			s, err := h.pool.EnsureSession(testNetwork, "@alice:example.org", "alice")
			require.NoError(t, err)
			waitConnected(t, s)
			require.NoError(t, s.Join(context.Background(), "#one"))
			require.NoError(t, s.Join(context.Background(), "#two"))

			h.dialer.connectHook = nil
			h.dialer.last().drop("connection reset")

			require.Eventually(t, func() bool { return h.dialer.count() == 2 }, 2*time.Second, 10*time.Millisecond)
			replacement := h.dialer.last()
			assert.Equal(t, "alice|away", replacement.cfg.Nick, "reconnect must request the last seen nick")

			require.Eventually(t, func() bool { return len(replacement.joined()) == 2 }, 2*time.Second, 10*time.Millisecond)
			assert.Equal(t, []string{"#one", "#two"}, replacement.joined())

			next, ok := h.pool.SessionForUser(testNetwork, "@alice:example.org")
			require.True(t, ok)
			assert.NotSame(t, s, next)
			assert.Equal(t, s.UserID, next.UserID)
			require.Eventually(t, func() bool { return len(next.Channels()) == 2 }, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestDisconnectDuringRejoinReconnectsAgain(t *testing.T) {
	for _, concurrency := range []int{0, 1} {
		h := newHarness(t, core.Network{ReconnectConcurrency: concurrency})
		s, err := h.pool.EnsureSession(testNetwork, "@alice:example.org", "alice")
		require.NoError(t, err)
		waitConnected(t, s)
		require.NoError(t, s.Join(context.Background(), "#one"))

		// the first replacement is welcomed and then dropped before it rejoins
		var flapped atomic.Bool
		h.dialer.connectHook = func(ctx context.Context, c *fakeClient) error {
			c.events.OnConnected(c.cfg.Nick)
			if flapped.CompareAndSwap(false, true) {
				c.drop("connection reset")
			}
			return nil
		}
		h.dialer.last().drop("connection reset")

		require.Eventually(t, func() bool { return h.dialer.count() == 3 }, 2*time.Second, 10*time.Millisecond,
			"concurrency %d: the flapping replacement must be reconnected", concurrency)
		third := h.dialer.last()
		require.Eventually(t, func() bool { return len(third.joined()) == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"#one"}, third.joined())

		next, ok := h.pool.SessionForUser(testNetwork, "@alice:example.org")
		require.True(t, ok)
		require.Eventually(t, func() bool { return next.InChannel("#one") }, 2*time.Second, 10*time.Millisecond)
	}
}

func TestReconnectFailureStops(t *testing.T) {
	h := newHarness(t, core.Network{ReconnectConcurrency: 1})
	s, err := h.pool.EnsureSession(testNetwork, "@alice:example.org", "alice")
	require.NoError(t, err)
	waitConnected(t, s)
	require.NoError(t, s.Join(context.Background(), "#one"))

	h.dialer.connectHook = func(ctx context.Context, c *fakeClient) error {
		return errors.New("connection refused")
	}
	h.dialer.last().drop("connection reset")

	require.Eventually(t, func() bool {
		_, ok := h.pool.SessionForUser(testNetwork, "@alice:example.org")
		return !ok && h.dialer.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, h.dialer.count(), "no retry without a new disconnect")
}

func TestFatalJoinErrorEjectsVirtualUsersOnly(t *testing.T) {
	h := newHarness(t, core.Network{})
	alice, err := h.pool.EnsureSession(testNetwork, "@alice:example.org", "alice")
	require.NoError(t, err)
	waitConnected(t, alice)
	aliceClient := h.dialer.last()

	bot, err := h.pool.StartBot(testNetwork)
	require.NoError(t, err)
	waitConnected(t, bot)
	botClient := h.dialer.last()

	aliceClient.events.OnJoinError("#secret", core.CodeBannedFromChannel)
	aliceClient.events.OnJoinError("#busy", core.CodeThrottled)
	botClient.events.OnJoinError("#secret", core.CodeInviteOnly)

	require.Eventually(t, func() bool { return len(h.ejector.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	got := h.ejector.all()
	require.Len(t, got, 1)
	assert.Equal(t, "#secret", got[0].channel)
	assert.Equal(t, "@alice:example.org", got[0].userID)
	assert.Contains(t, got[0].reason, core.CodeBannedFromChannel)
}

func TestRosterForwardedToRegisteredHandler(t *testing.T) {
	h := newHarness(t, core.Network{})
	bot, err := h.pool.StartBot(testNetwork)
	require.NoError(t, err)
	waitConnected(t, bot)
	client := h.dialer.last()

	// no handler yet: ignored
	client.events.OnRoster("#early", []string{"x"})

	rosters := &fakeRosters{}
	require.NoError(t, h.pool.RegisterRosterHandler(testNetwork, rosters))
	client.events.OnRoster("#chat", []string{"alice", "bob"})

	// rosters seen by virtual sessions are left to the bot
	alice, err := h.pool.EnsureSession(testNetwork, "@alice:example.org", "alice")
	require.NoError(t, err)
	waitConnected(t, alice)
	h.dialer.last().events.OnRoster("#other", []string{"alice"})

	require.Eventually(t, func() bool {
		_, ok := rosters.get("#chat")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	members, _ := rosters.get("#chat")
	assert.Equal(t, []string{"alice", "bob"}, members)
	_, ok := rosters.get("#early")
	assert.False(t, ok)
	time.Sleep(50 * time.Millisecond)
	_, ok = rosters.get("#other")
	assert.False(t, ok)
}

func TestUnknownNetwork(t *testing.T) {
	h := newHarness(t, core.Network{})
	_, err := h.pool.CreateSession("nope", "@a:b", "a", false)
	require.ErrorIs(t, err, core.ErrUnknownNetwork)
	_, ok := h.pool.SessionForUser("nope", "@a:b")
	assert.False(t, ok)
}

package bridge

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirebridge/internal/core"
	"github.com/vovakirdan/wirebridge/internal/local"
	"github.com/vovakirdan/wirebridge/internal/membership"
	"github.com/vovakirdan/wirebridge/internal/pool"
	"github.com/vovakirdan/wirebridge/internal/remote"
	"github.com/vovakirdan/wirebridge/internal/store"
	"github.com/vovakirdan/wirebridge/internal/store/sqlite"
	"github.com/vovakirdan/wirebridge/internal/store/sqlstore"
	"github.com/vovakirdan/wirebridge/internal/visibility"
)

const botUserID = "@bridge:example.org"

type fakeClient struct {
	cfg    remote.ClientConfig
	events remote.Events
	joins  *joinLog
	once   sync.Once
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.events.OnConnected(c.cfg.Nick)
	return nil
}

func (c *fakeClient) Disconnect(reason string) error {
	c.once.Do(func() { c.events.OnDisconnected(reason) })
	return nil
}

func (c *fakeClient) Join(ctx context.Context, channel string) error {
	c.joins.add(c.cfg.Nick + " " + channel)
	return nil
}

func (c *fakeClient) Leave(ctx context.Context, channel string) error { return nil }

func (c *fakeClient) Nick() string { return c.cfg.Nick }

type joinLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *joinLog) add(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
}

func (l *joinLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

type fakeDialer struct{ joins *joinLog }

func (d *fakeDialer) NewClient(cfg remote.ClientConfig, events remote.Events) remote.Client {
	return &fakeClient{cfg: cfg, events: events, joins: d.joins}
}

type fakeIntent struct {
	mu         sync.Mutex
	members    map[string]map[string]local.Profile
	visibility map[string]core.Visibility
	history    map[string][]core.Visibility
	calls      []string
}

func (f *fakeIntent) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeIntent) Join(ctx context.Context, roomID, userID string) error {
	f.record("join " + roomID + " " + userID)
	return nil
}

func (f *fakeIntent) Leave(ctx context.Context, roomID, userID, reason string) error {
	f.record("leave " + roomID + " " + userID)
	return nil
}

func (f *fakeIntent) Kick(ctx context.Context, roomID, kickerID, userID, reason string) error {
	f.record("kick " + roomID + " " + userID + " by " + kickerID + ": " + reason)
	return nil
}

func (f *fakeIntent) JoinedMembers(ctx context.Context, roomID string) (map[string]local.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[roomID], nil
}

func (f *fakeIntent) SetRoomVisibility(ctx context.Context, roomID string, v core.Visibility) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility[roomID] = v
	f.history[roomID] = append(f.history[roomID], v)
	return nil
}

func (f *fakeIntent) callsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeIntent) historyOf(roomID string) []core.Visibility {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Visibility(nil), f.history[roomID]...)
}

func (f *fakeIntent) visibilityOf(roomID string) core.Visibility {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visibility[roomID]
}

type harness struct {
	bridge *Bridge
	pool   *pool.Pool
	store  *sqlstore.Store
	intent *fakeIntent
	joins  *joinLog
	queue  *membership.Queue
}

func newHarness(t *testing.T, mappings ...store.Mapping) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st, err := sqlite.NewWithSetup(":memory:", func(db *sql.DB) error {
		_, err := db.Exec(sqlstore.Schema)
		return err
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	for _, m := range mappings {
		require.NoError(t, st.AddMapping(ctx, m))
	}

	intent := &fakeIntent{
		members:    map[string]map[string]local.Profile{},
		visibility: map[string]core.Visibility{},
		history:    map[string][]core.Visibility{},
	}
	q, err := membership.NewQueue(ctx, intent, membership.QueueOptions{Concurrency: 2, MaxAttempts: 1})
	require.NoError(t, err)
	t.Cleanup(q.Close)

	joins := &joinLog{}
	p := pool.New(ctx, pool.Options{
		Dialer:  &fakeDialer{joins: joins},
		Ejector: NewEjector(st, q, botUserID, nil),
	})
	t.Cleanup(p.Close)
	require.NoError(t, p.AddNetwork(core.Network{
		Domain:     "libera",
		BotNick:    "bridgebot",
		Membership: core.MembershipRules{InitialLocalToRemote: true},
	}))

	b := New(Options{
		Pool:        p,
		Store:       st,
		Members:     intent,
		Queue:       q,
		Resolver:    visibility.New(st, intent, nil),
		Namer:       core.Namer{Prefix: "irc_", Domain: "example.org"},
		BotUserID:   botUserID,
		JoinTimeout: time.Second,
	})
	return &harness{bridge: b, pool: p, store: st, intent: intent, joins: joins, queue: q}
}

func TestStartJoinsBotAndUsers(t *testing.T) {
	h := newHarness(t, store.Mapping{Network: "libera", Channel: "#chat", RoomID: "!room:example.org"})
	h.intent.members["!room:example.org"] = map[string]local.Profile{
		botUserID:                     {},
		"@alice:example.org":          {DisplayName: "Alice"},
		"@irc_libera_bob:example.org": {DisplayName: "bob"},
	}

	require.NoError(t, h.bridge.Start(context.Background()))

	assert.ElementsMatch(t, []string{"bridgebot #chat", "Alice #chat"}, h.joins.snapshot())
	s, ok := h.pool.SessionForUser("libera", "@alice:example.org")
	require.True(t, ok)
	assert.True(t, s.InChannel("#chat"))
}

func TestJoinerPrefersConfiguredNick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SetUserConfig(ctx, store.UserConfig{
		UserID: "@alice:example.org", Network: "libera", Nick: "ally",
	}))

	j := NewSessionJoiner(h.pool, h.store)
	nick, err := j.NickFor(ctx, "libera", "@alice:example.org", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "ally", nick)

	nick, err = j.NickFor(ctx, "libera", "@carol:example.org", "Carol Smith")
	require.NoError(t, err)
	assert.Equal(t, "CarolSmith", nick)

	require.NoError(t, j.JoinUserToChannel(ctx, "libera", "#chat", "@alice:example.org", "Alice"))
	require.NoError(t, j.JoinUserToChannel(ctx, "libera", "#chat", "@alice:example.org", "Alice"))
	assert.Equal(t, []string{"ally #chat"}, h.joins.snapshot(), "second join is a no-op")
}

func TestEjectorKicksFromEveryMappedRoom(t *testing.T) {
	h := newHarness(t,
		store.Mapping{Network: "libera", Channel: "#chat", RoomID: "!a:example.org"},
		store.Mapping{Network: "libera", Channel: "#chat", RoomID: "!b:example.org"},
		store.Mapping{Network: "libera", Channel: "#other", RoomID: "!c:example.org"},
	)

	e := NewEjector(h.store, h.queue, botUserID, nil)
	require.NoError(t, e.EjectFromChannel(context.Background(), "libera", "#chat", "@alice:example.org", "banned-from-channel"))

	require.Eventually(t, func() bool { return len(h.intent.callsSnapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{
		"kick !a:example.org @alice:example.org by " + botUserID + ": banned-from-channel",
		"kick !b:example.org @alice:example.org by " + botUserID + ": banned-from-channel",
	}, h.intent.callsSnapshot())
}

type secretLog struct {
	mu    sync.Mutex
	calls []string
}

func (s *secretLog) SetChannelSecret(ctx context.Context, network, channel string, secret bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := "open"
	if secret {
		state = "secret"
	}
	s.calls = append(s.calls, network+" "+channel+" "+state)
	return nil
}

func modes(complete bool, flags string) remote.ModeSet {
	set := remote.ModeSet{Flags: map[rune]bool{}, Complete: complete}
	enabled := true
	for _, r := range flags {
		switch r {
		case '+':
			enabled = true
		case '-':
			enabled = false
		default:
			set.Flags[r] = enabled
		}
	}
	return set
}

func TestModeTrackerFoldsSecretAndPrivate(t *testing.T) {
	log := &secretLog{}
	m := NewModeTracker(log)
	ctx := context.Background()

	steps := []remote.ModeSet{
		modes(false, "-s"),  // no listing yet, still secret
		modes(true, "+nt"),  // full listing without s or p
		modes(false, "+sp"), // both at once
		modes(false, "+m"),  // ignored
		modes(false, "-s"),  // p still set
		modes(false, "-p"),
	}
	for _, set := range steps {
		require.NoError(t, m.HandleModes(ctx, "libera", "#Chat", set))
	}
	assert.Equal(t, []string{
		"libera #Chat secret",
		"libera #Chat open",
		"libera #Chat secret",
		"libera #Chat secret",
		"libera #Chat open",
	}, log.calls)
}

func TestPrivateOnlyChannelIsNeverPublished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := store.Mapping{Network: "libera", Channel: "#hidden", RoomID: "!hidden:example.org"}

	require.NoError(t, h.bridge.Link(ctx, m))
	require.NoError(t, h.bridge.modes.HandleModes(ctx, "libera", "#hidden", modes(true, "+np")))
	require.NoError(t, h.bridge.modes.HandleModes(ctx, "libera", "#hidden", modes(false, "-s")))
	assert.Equal(t, []core.Visibility{core.VisibilityPrivate}, h.intent.historyOf(m.RoomID))

	require.NoError(t, h.bridge.modes.HandleModes(ctx, "libera", "#hidden", modes(false, "-p")))
	assert.Equal(t, []core.Visibility{core.VisibilityPrivate, core.VisibilityPublic}, h.intent.historyOf(m.RoomID))
}

func TestLinkAndModesDriveVisibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := store.Mapping{Network: "libera", Channel: "#chat", RoomID: "!room:example.org"}

	require.NoError(t, h.bridge.Link(ctx, m))
	assert.Equal(t, core.VisibilityPrivate, h.intent.visibilityOf(m.RoomID), "unknown secrecy is private")

	require.NoError(t, h.bridge.modes.HandleModes(ctx, "libera", "#chat", modes(true, "+nt")))
	assert.Equal(t, core.VisibilityPublic, h.intent.visibilityOf(m.RoomID))

	other := store.Mapping{Network: "libera", Channel: "#secret", RoomID: m.RoomID}
	require.NoError(t, h.bridge.modes.HandleModes(ctx, "libera", "#secret", modes(true, "+s")))
	require.NoError(t, h.bridge.Link(ctx, other))
	assert.Equal(t, core.VisibilityPrivate, h.intent.visibilityOf(m.RoomID))

	require.NoError(t, h.bridge.Unlink(ctx, other))
	assert.Equal(t, core.VisibilityPublic, h.intent.visibilityOf(m.RoomID))

	err := h.bridge.Link(ctx, store.Mapping{Network: "nowhere", Channel: "#x", RoomID: "!x"})
	assert.ErrorIs(t, err, core.ErrUnknownNetwork)
}

func TestSyncUnknownNetwork(t *testing.T) {
	h := newHarness(t)
	err := h.bridge.Sync(context.Background(), "nowhere")
	assert.ErrorIs(t, err, core.ErrUnknownNetwork)
	assert.True(t, strings.Contains(err.Error(), "nowhere"))
}

func TestNoteActivityTouchesSessions(t *testing.T) {
	h := newHarness(t)
	s, err := h.pool.EnsureSession("libera", "@alice:example.org", "alice")
	require.NoError(t, err)
	before := s.LastActiveAt()

	time.Sleep(5 * time.Millisecond)
	h.bridge.NoteActivity("@alice:example.org")
	assert.True(t, s.LastActiveAt().After(before))
}

var _ RoomLeaver = (*membership.Queue)(nil)

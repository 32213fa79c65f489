package membership

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vovakirdan/wirebridge/internal/core"
	"github.com/vovakirdan/wirebridge/internal/local"
	"github.com/vovakirdan/wirebridge/internal/queue"
	"github.com/vovakirdan/wirebridge/internal/store"
)

// fakeIntent records calls as "op room user" strings. hook, when set, runs
// before a call returns and decides its error.
type fakeIntent struct {
	hook func(call string) error

	mu       sync.Mutex
	calls    []string
	members  map[string]map[string]local.Profile
	fetchErr map[string]error
	fetches  map[string]int
	gate     chan struct{}
}

func (f *fakeIntent) record(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		return hook(call)
	}
	return nil
}

func (f *fakeIntent) Join(ctx context.Context, roomID, userID string) error {
	return f.record("join " + roomID + " " + userID)
}

func (f *fakeIntent) Leave(ctx context.Context, roomID, userID, reason string) error {
	return f.record("leave " + roomID + " " + userID)
}

func (f *fakeIntent) Kick(ctx context.Context, roomID, kickerID, userID, reason string) error {
	return f.record("kick " + roomID + " " + userID + " by " + kickerID)
}

func (f *fakeIntent) JoinedMembers(ctx context.Context, roomID string) (map[string]local.Profile, error) {
	f.mu.Lock()
	if f.fetches == nil {
		f.fetches = make(map[string]int)
	}
	f.fetches[roomID]++
	gate := f.gate
	err := f.fetchErr[roomID]
	out := make(map[string]local.Profile, len(f.members[roomID]))
	for k, v := range f.members[roomID] {
		out[k] = v
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeIntent) SetRoomVisibility(ctx context.Context, roomID string, visibility core.Visibility) error {
	return nil
}

func (f *fakeIntent) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeIntent) fetchCount(roomID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[roomID]
}

type fakeMappings struct {
	mu       sync.Mutex
	mappings []store.Mapping
}

func (s *fakeMappings) GetRoomsForChannel(ctx context.Context, network, channel string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rooms []string
	for _, m := range s.mappings {
		if m.Network == network && strings.EqualFold(m.Channel, channel) {
			rooms = append(rooms, m.RoomID)
		}
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (s *fakeMappings) GetChannelsForRoom(ctx context.Context, roomID string) ([]store.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Mapping
	for _, m := range s.mappings {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeMappings) GetAllChannelMappings(ctx context.Context) ([]store.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Mapping(nil), s.mappings...), nil
}

func (s *fakeMappings) GetTrackedChannels(ctx context.Context, network string) ([]string, error) {
	return nil, nil
}

func (s *fakeMappings) AddMapping(ctx context.Context, m store.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings = append(s.mappings, m)
	return nil
}

func (s *fakeMappings) RemoveMapping(ctx context.Context, m store.Mapping) error {
	return nil
}

type leaveCall struct {
	roomID, userID string
	ttl            time.Duration
}

type fakeLeaver struct {
	mu    sync.Mutex
	calls []leaveCall
}

func (l *fakeLeaver) LeaveWithTTL(roomID, userID, kicker, reason string, ttl time.Duration) *queue.Future[struct{}] {
	l.mu.Lock()
	l.calls = append(l.calls, leaveCall{roomID: roomID, userID: userID, ttl: ttl})
	l.mu.Unlock()
	return queue.Resolved(struct{}{}, nil)
}

func (l *fakeLeaver) all() []leaveCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]leaveCall(nil), l.calls...)
}

// fakeJoiner records joins as "channel user". Users in block wait for the
// context to end; users in fail return an error.
type fakeJoiner struct {
	block map[string]bool
	fail  map[string]bool

	mu    sync.Mutex
	calls []string
}

func (j *fakeJoiner) JoinUserToChannel(ctx context.Context, network, channel, userID, displayName string) error {
	j.mu.Lock()
	j.calls = append(j.calls, channel+" "+userID)
	j.mu.Unlock()
	if j.block[userID] {
		<-ctx.Done()
		return ctx.Err()
	}
	if j.fail[userID] {
		return fmt.Errorf("join %s: refused", channel)
	}
	return nil
}

func (j *fakeJoiner) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

type staticActivity map[string]bool

func (a staticActivity) IsActive(userID string) bool {
	return a[userID]
}

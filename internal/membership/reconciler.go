package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vovakirdan/wirebridge/internal/core"
	"github.com/vovakirdan/wirebridge/internal/local"
	"github.com/vovakirdan/wirebridge/internal/metrics"
	"github.com/vovakirdan/wirebridge/internal/queue"
	"github.com/vovakirdan/wirebridge/internal/store"
)

// Joiner puts a local user into a remote channel through its own session.
type Joiner interface {
	JoinUserToChannel(ctx context.Context, network, channel, userID, displayName string) error
}

// ActivityChecker reports whether a local user is active enough to be bridged.
type ActivityChecker interface {
	IsActive(userID string) bool
}

// Leaver queues ghost removals.
type Leaver interface {
	LeaveWithTTL(roomID, userID, kicker, reason string, ttl time.Duration) *queue.Future[struct{}]
}

// ReconcilerOptions wires a Reconciler to its collaborators.
type ReconcilerOptions struct {
	Network  core.Network
	Mappings store.MappingStore
	Members  local.Intent
	Leaver   Leaver
	Joiner   Joiner
	// Activity is optional; without it every user is considered active.
	Activity ActivityChecker
	Namer    core.Namer
	// IsBridgedNick reports nicks of the bridge's own sessions, which have no ghost.
	IsBridgedNick func(nick string) bool
	// BotUserID is neither a real user nor a ghost.
	BotUserID   string
	JoinTimeout time.Duration
	// FetchTimeout bounds a shared membership fetch.
	FetchTimeout time.Duration
	LeaveTTL     time.Duration
	Logger       *zerolog.Logger
}

// Reconciler aligns one network's channels with their mapped local rooms.
type Reconciler struct {
	opts ReconcilerOptions
	log  zerolog.Logger

	fetches singleflight.Group

	mu    sync.Mutex
	rooms map[string]*core.RoomInfo
}

// NewReconciler builds a reconciler for opts.Network.
func NewReconciler(opts ReconcilerOptions) *Reconciler {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	return &Reconciler{
		opts: opts,
		log: logger.With().
			Str("module", "reconciler").
			Str("network", opts.Network.Domain).
			Logger(),
		rooms: make(map[string]*core.RoomInfo),
	}
}

// Invalidate drops the cached snapshot of roomID.
func (r *Reconciler) Invalidate(roomID string) {
	r.mu.Lock()
	delete(r.rooms, roomID)
	r.mu.Unlock()
}

// InvalidateAll drops every cached snapshot.
func (r *Reconciler) InvalidateAll() {
	r.mu.Lock()
	r.rooms = make(map[string]*core.RoomInfo)
	r.mu.Unlock()
}

// RoomInfo returns the membership snapshot of roomID, fetching it on a cache
// miss. Concurrent misses for one room share a single fetch.
func (r *Reconciler) RoomInfo(ctx context.Context, roomID string) (*core.RoomInfo, error) {
	r.mu.Lock()
	cached, ok := r.rooms[roomID]
	r.mu.Unlock()
	if ok {
		return cached.Clone(), nil
	}

	v, err := r.shared(ctx, "room:"+roomID, func(ctx context.Context) (any, error) {
		members, err := r.opts.Members.JoinedMembers(ctx, roomID)
		if err != nil {
			return nil, err
		}
		info := r.split(roomID, members)
		r.mu.Lock()
		r.rooms[roomID] = info
		r.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return nil, fmt.Errorf("joined members of %s: %w", roomID, err)
	}
	return v.(*core.RoomInfo).Clone(), nil
}

// shared runs fn once for all concurrent callers of key. fn is detached from
// the cancellation of whichever caller started it and bounded by FetchTimeout
// instead; each caller stops waiting when its own ctx ends.
func (r *Reconciler) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := r.fetches.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.FetchTimeout)
		defer cancel()
		return fn(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Reconciler) split(roomID string, members map[string]local.Profile) *core.RoomInfo {
	info := &core.RoomInfo{
		RoomID:       roomID,
		DisplayNames: make(map[string]string, len(members)),
	}
	for userID, profile := range members {
		info.DisplayNames[userID] = profile.DisplayName
		switch {
		case userID == r.opts.BotUserID:
		case r.opts.Namer.IsGhost(userID):
			info.RemoteUsers = append(info.RemoteUsers, userID)
		default:
			info.RealUsers = append(info.RealUsers, userID)
		}
	}
	sort.Strings(info.RealUsers)
	sort.Strings(info.RemoteUsers)
	return info
}

// SyncableRooms returns snapshots of every room mapped to a channel of the
// network. Rooms whose membership cannot be fetched are left out.
func (r *Reconciler) SyncableRooms(ctx context.Context) ([]*core.RoomInfo, error) {
	v, err := r.shared(ctx, "syncable", func(ctx context.Context) (any, error) {
		byRoom, err := r.mappedChannels(ctx)
		if err != nil {
			return nil, err
		}
		roomIDs := make([]string, 0, len(byRoom))
		for roomID := range byRoom {
			roomIDs = append(roomIDs, roomID)
		}
		sort.Strings(roomIDs)

		rooms := make([]*core.RoomInfo, 0, len(roomIDs))
		for _, roomID := range roomIDs {
			info, err := r.RoomInfo(ctx, roomID)
			if err != nil {
				r.log.Warn().Err(err).Str("room_id", roomID).Msg("skipping room in sync")
				continue
			}
			rooms = append(rooms, info)
		}
		return rooms, nil
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]*core.RoomInfo)
	out := make([]*core.RoomInfo, len(shared))
	for i, info := range shared {
		out[i] = info.Clone()
	}
	return out, nil
}

// mappedChannels returns the channels of this network mapped to each room.
func (r *Reconciler) mappedChannels(ctx context.Context) (map[string][]string, error) {
	mappings, err := r.opts.Mappings.GetAllChannelMappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("channel mappings: %w", err)
	}
	byRoom := make(map[string][]string)
	for _, m := range mappings {
		if m.Network != r.opts.Network.Domain {
			continue
		}
		byRoom[m.RoomID] = append(byRoom[m.RoomID], m.Channel)
	}
	return byRoom, nil
}

type joinItem struct {
	roomID      string
	channel     string
	userID      string
	displayName string
	frontier    bool
}

// JoinUsersToChannels puts the real members of every mapped room into the
// mapped channels. Rooms that do not sync membership initially get a single
// representative. The first user of each room goes first so every room gains
// a connection before the long tail is processed. Failures are logged per user.
func (r *Reconciler) JoinUsersToChannels(ctx context.Context) error {
	start := time.Now()
	network := r.opts.Network.Domain
	defer func() {
		metrics.OutboundSyncDuration.WithLabelValues(network).Observe(time.Since(start).Seconds())
	}()

	byRoom, err := r.mappedChannels(ctx)
	if err != nil {
		return err
	}
	rooms, err := r.SyncableRooms(ctx)
	if err != nil {
		return err
	}

	items := r.joinItems(rooms, byRoom)
	r.log.Info().Int("rooms", len(rooms)).Int("joins", len(items)).Msg("starting outbound membership sync")

	var joined, failed int
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		itemCtx, cancel := context.WithTimeout(ctx, r.opts.JoinTimeout)
		err := r.opts.Joiner.JoinUserToChannel(itemCtx, network, it.channel, it.userID, it.displayName)
		cancel()

		log := r.log.With().Str("room_id", it.roomID).Str("channel", it.channel).Str("user_id", it.userID).Logger()
		switch {
		case err == nil:
			joined++
			metrics.OutboundJoinsTotal.WithLabelValues(network, "joined").Inc()
		case errors.Is(err, context.DeadlineExceeded):
			failed++
			metrics.OutboundJoinsTotal.WithLabelValues(network, "timeout").Inc()
			log.Warn().Dur("timeout", r.opts.JoinTimeout).Msg("outbound join timed out")
		default:
			failed++
			metrics.OutboundJoinsTotal.WithLabelValues(network, "failed").Inc()
			log.Warn().Err(err).Msg("outbound join failed")
		}
	}

	r.log.Info().Int("joined", joined).Int("failed", failed).Dur("took", time.Since(start)).Msg("outbound membership sync done")
	return nil
}

func (r *Reconciler) joinItems(rooms []*core.RoomInfo, byRoom map[string][]string) []joinItem {
	var items []joinItem
	for _, info := range rooms {
		users := make([]string, 0, len(info.RealUsers))
		for _, userID := range info.RealUsers {
			if r.opts.Activity != nil && !r.opts.Activity.IsActive(userID) {
				metrics.OutboundJoinsTotal.WithLabelValues(r.opts.Network.Domain, "skipped").Inc()
				continue
			}
			users = append(users, userID)
		}
		if !r.opts.Network.Membership.ShouldSyncInitial(info.RoomID) && len(users) > 1 {
			users = users[:1]
		}
		channels := append([]string(nil), byRoom[info.RoomID]...)
		sort.Strings(channels)
		for _, channel := range channels {
			for i, userID := range users {
				items = append(items, joinItem{
					roomID:      info.RoomID,
					channel:     channel,
					userID:      userID,
					displayName: info.DisplayNames[userID],
					frontier:    i == 0,
				})
			}
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].frontier && !items[j].frontier
	})
	return items
}

// UpdateMemberList applies the full roster of channel: ghosts of this network
// present in a mapped room but missing from members are queued to leave.
// Repeating the same roster queues nothing new.
func (r *Reconciler) UpdateMemberList(ctx context.Context, channel string, members []string) error {
	if !r.opts.Network.Membership.RemoteToLocal {
		return nil
	}
	network := r.opts.Network.Domain

	roomIDs, err := r.opts.Mappings.GetRoomsForChannel(ctx, network, channel)
	if err != nil {
		return fmt.Errorf("rooms for %s: %w", channel, err)
	}
	if len(roomIDs) == 0 {
		return nil
	}

	present := make(map[string]struct{}, len(members))
	for _, nick := range members {
		if r.opts.IsBridgedNick != nil && r.opts.IsBridgedNick(nick) {
			continue
		}
		present[r.opts.Namer.UserID(network, nick)] = struct{}{}
	}

	for _, roomID := range roomIDs {
		info, err := r.RoomInfo(ctx, roomID)
		if err != nil {
			r.log.Warn().Err(err).Str("room_id", roomID).Str("channel", channel).Msg("skipping roster diff")
			continue
		}

		var toLeave []string
		for _, userID := range info.RemoteUsers {
			if _, ok := r.opts.Namer.Nick(network, userID); !ok {
				continue
			}
			if _, ok := present[strings.ToLower(userID)]; ok {
				continue
			}
			toLeave = append(toLeave, userID)
		}
		if len(toLeave) == 0 {
			continue
		}

		r.log.Info().Str("room_id", roomID).Str("channel", channel).Strs("users", toLeave).Msg("removing ghosts missing from roster")
		for _, userID := range toLeave {
			r.opts.Leaver.LeaveWithTTL(roomID, userID, "", "left "+channel, r.opts.LeaveTTL)
		}
		r.forgetRemoteUsers(roomID, toLeave)
	}
	return nil
}

func (r *Reconciler) forgetRemoteUsers(roomID string, userIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.rooms[roomID]; ok {
		info.RemoveRemoteUsers(userIDs...)
	}
}

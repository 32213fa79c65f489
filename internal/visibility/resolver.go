// Package visibility keeps the directory visibility of local rooms consistent
// with the secrecy of the remote channels they are mapped to.
package visibility

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirebridge/internal/core"
	"github.com/vovakirdan/wirebridge/internal/metrics"
	"github.com/vovakirdan/wirebridge/internal/store"
)

// Setter publishes a room's directory visibility.
type Setter interface {
	SetRoomVisibility(ctx context.Context, roomID string, visibility core.Visibility) error
}

// Resolver tracks channel secrecy and room visibility.
//
// A room is private when any channel mapped to it is secret or has unknown
// secrecy, and public only when every mapped channel is known to be open.
// A secrecy change re-resolves every room reachable from the channel through
// the room<->channel mapping graph.
type Resolver struct {
	mappings store.MappingStore
	setter   Setter
	log      zerolog.Logger

	secret *xsync.MapOf[string, bool]
	rooms  *xsync.MapOf[string, core.Visibility]

	// serializes resolution passes
	mu sync.Mutex
}

// New builds a resolver with no known channel state.
func New(mappings store.MappingStore, setter Setter, logger *zerolog.Logger) *Resolver {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Resolver{
		mappings: mappings,
		setter:   setter,
		log:      l.With().Str("module", "visibility").Logger(),
		secret:   xsync.NewMapOf[string, bool](),
		rooms:    xsync.NewMapOf[string, core.Visibility](),
	}
}

func channelKey(network, channel string) string {
	return network + " " + strings.ToLower(channel)
}

// SetChannelSecret records the secrecy of a channel and re-resolves the rooms
// connected to it.
func (r *Resolver) SetChannelSecret(ctx context.Context, network, channel string, secret bool) error {
	r.secret.Store(channelKey(network, channel), secret)
	return r.Resolve(ctx, network, channel)
}

// ForgetChannel returns a channel to unknown secrecy and re-resolves.
func (r *Resolver) ForgetChannel(ctx context.Context, network, channel string) error {
	r.secret.Delete(channelKey(network, channel))
	return r.Resolve(ctx, network, channel)
}

// ChannelSecret returns the recorded secrecy of a channel.
func (r *Resolver) ChannelSecret(network, channel string) (secret, known bool) {
	return r.secret.Load(channelKey(network, channel))
}

// Visibility returns the last visibility successfully applied to roomID.
func (r *Resolver) Visibility(roomID string) (core.Visibility, bool) {
	return r.rooms.Load(roomID)
}

// Resolve recomputes every room reachable from the channel and applies the
// rooms whose visibility changed. A room whose update fails keeps its old
// cached visibility and is retried by the next pass.
func (r *Resolver) Resolve(ctx context.Context, network, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	direct, err := r.component(ctx, network, channel)
	if err != nil {
		return err
	}

	roomIDs := make([]string, 0, len(direct))
	for roomID := range direct {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)

	var errs []error
	for _, roomID := range roomIDs {
		want := core.VisibilityPublic
		for _, m := range direct[roomID] {
			secret, known := r.secret.Load(channelKey(m.Network, m.Channel))
			if secret || !known {
				want = core.VisibilityPrivate
				break
			}
		}

		if cur, ok := r.rooms.Load(roomID); ok && cur == want {
			continue
		}
		if err := r.setter.SetRoomVisibility(ctx, roomID, want); err != nil {
			metrics.VisibilityUpdatesTotal.WithLabelValues(string(want), "error").Inc()
			r.log.Warn().Err(err).Str("room_id", roomID).Str("visibility", string(want)).Msg("failed to set room visibility")
			errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
			continue
		}
		r.rooms.Store(roomID, want)
		metrics.VisibilityUpdatesTotal.WithLabelValues(string(want), "ok").Inc()
		r.log.Info().Str("room_id", roomID).Str("visibility", string(want)).Msg("room visibility updated")
	}
	return errors.Join(errs...)
}

// component walks the room<->channel graph depth-first from a channel and
// returns every reached room with its directly mapped channels.
func (r *Resolver) component(ctx context.Context, network, channel string) (map[string][]store.Mapping, error) {
	type node struct{ network, channel string }

	visited := map[string]struct{}{channelKey(network, channel): {}}
	stack := []node{{network, channel}}
	rooms := make(map[string][]store.Mapping)

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		roomIDs, err := r.mappings.GetRoomsForChannel(ctx, n.network, n.channel)
		if err != nil {
			return nil, fmt.Errorf("rooms for %s %s: %w", n.network, n.channel, err)
		}
		for _, roomID := range roomIDs {
			if _, seen := rooms[roomID]; seen {
				continue
			}
			mapped, err := r.mappings.GetChannelsForRoom(ctx, roomID)
			if err != nil {
				return nil, fmt.Errorf("channels for %s: %w", roomID, err)
			}
			rooms[roomID] = mapped
			for _, m := range mapped {
				key := channelKey(m.Network, m.Channel)
				if _, seen := visited[key]; seen {
					continue
				}
				visited[key] = struct{}{}
				stack = append(stack, node{m.Network, m.Channel})
			}
		}
	}
	return rooms, nil
}

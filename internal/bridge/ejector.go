// Package bridge wires the connection pool, membership engine and visibility
// resolver together for a set of networks.
package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirebridge/internal/queue"
	"github.com/vovakirdan/wirebridge/internal/store"
)

// RoomLeaver queues a local room removal.
type RoomLeaver interface {
	Leave(roomID, userID, kicker, reason string) *queue.Future[struct{}]
}

// Ejector removes a local user from every room mapped to a channel the user
// was refused from. The bot kicks the user so the reason shows in the room.
type Ejector struct {
	mappings  store.MappingStore
	leaver    RoomLeaver
	botUserID string
	log       zerolog.Logger
}

// NewEjector builds an Ejector.
func NewEjector(mappings store.MappingStore, leaver RoomLeaver, botUserID string, logger *zerolog.Logger) *Ejector {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Ejector{
		mappings:  mappings,
		leaver:    leaver,
		botUserID: botUserID,
		log:       l.With().Str("module", "ejector").Logger(),
	}
}

// EjectFromChannel implements pool.Ejector. Removals are queued; their outcome
// is logged when they settle.
func (e *Ejector) EjectFromChannel(ctx context.Context, network, channel, userID, reason string) error {
	rooms, err := e.mappings.GetRoomsForChannel(ctx, network, channel)
	if err != nil {
		return fmt.Errorf("rooms for %s %s: %w", network, channel, err)
	}
	for _, roomID := range rooms {
		f := e.leaver.Leave(roomID, userID, e.botUserID, reason)
		go func(roomID string) {
			if _, err := f.Wait(context.Background()); err != nil {
				e.log.Warn().Err(err).
					Str("room_id", roomID).
					Str("user_id", userID).
					Msg("failed to remove user from room")
				return
			}
			e.log.Info().
				Str("network", network).
				Str("channel", channel).
				Str("room_id", roomID).
				Str("user_id", userID).
				Msg("user removed from room after join refusal")
		}(roomID)
	}
	return nil
}

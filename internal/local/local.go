// Package local defines the contract for acting on the local room network.
package local

import (
	"context"
	"errors"

	"github.com/vovakirdan/wirebridge/internal/core"
)

// ErrForbidden marks a permission denial. Operations failing with it are never retried.
var ErrForbidden = errors.New("forbidden")

// Profile is the per-room profile of a joined member.
type Profile struct {
	DisplayName string
}

// Intent performs membership and room-state changes on behalf of local users.
type Intent interface {
	// Join makes userID join roomID.
	Join(ctx context.Context, roomID, userID string) error
	// Leave makes userID leave roomID.
	Leave(ctx context.Context, roomID, userID, reason string) error
	// Kick removes userID from roomID acting as kickerID.
	Kick(ctx context.Context, roomID, kickerID, userID, reason string) error
	// JoinedMembers returns the joined members of roomID.
	JoinedMembers(ctx context.Context, roomID string) (map[string]Profile, error)
	// SetRoomVisibility publishes or hides roomID in the room directory.
	SetRoomVisibility(ctx context.Context, roomID string, visibility core.Visibility) error
}

package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Mapping links a remote channel to a local room.
type Mapping struct {
	Network string
	Channel string
	RoomID  string
}

// UserConfig is the per-network configuration of a local user.
type UserConfig struct {
	UserID  string
	Network string
	Nick    string
}

// MappingStore handles channel<->room mapping persistence.
type MappingStore interface {
	// GetRoomsForChannel returns the rooms mapped to a channel.
	GetRoomsForChannel(ctx context.Context, network, channel string) ([]string, error)

	// GetChannelsForRoom returns every channel mapped to a room, across networks.
	GetChannelsForRoom(ctx context.Context, roomID string) ([]Mapping, error)

	// GetAllChannelMappings returns every mapping.
	GetAllChannelMappings(ctx context.Context) ([]Mapping, error)

	// GetTrackedChannels returns the distinct mapped channels of a network.
	GetTrackedChannels(ctx context.Context, network string) ([]string, error)

	// AddMapping stores a mapping; adding an existing mapping is a no-op.
	AddMapping(ctx context.Context, m Mapping) error

	// RemoveMapping deletes a mapping.
	RemoveMapping(ctx context.Context, m Mapping) error
}

// UserStore handles per-user configuration.
type UserStore interface {
	// GetUserConfig returns ErrNotFound when the user has no config for the network.
	GetUserConfig(ctx context.Context, userID, network string) (*UserConfig, error)

	// SetUserConfig creates or replaces a user's config.
	SetUserConfig(ctx context.Context, cfg UserConfig) error
}

// Store aggregates all storage interfaces.
type Store interface {
	MappingStore
	UserStore

	// Close closes the underlying database connection.
	Close() error
}

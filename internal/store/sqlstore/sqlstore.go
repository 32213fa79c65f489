// Package sqlstore implements store.Store on database/sql for both SQLite and PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vovakirdan/wirebridge/internal/store"
)

// Dialect selects placeholder syntax.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Schema creates the tables the bridge needs. It is valid for both dialects.
const Schema = `
CREATE TABLE IF NOT EXISTS channel_mappings (
	network    TEXT NOT NULL,
	channel    TEXT NOT NULL,
	room_id    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (network, channel, room_id)
);

CREATE INDEX IF NOT EXISTS idx_channel_mappings_room ON channel_mappings(room_id);

CREATE TABLE IF NOT EXISTS user_configs (
	user_id    TEXT NOT NULL,
	network    TEXT NOT NULL,
	nick       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (user_id, network)
);
`

// Store implements store.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*Store)(nil)

// New wraps an open database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites '?' placeholders for the store's dialect.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func normalizeChannel(channel string) string {
	return strings.ToLower(channel)
}

// ==== MappingStore implementation ====

// GetRoomsForChannel returns the rooms mapped to a channel.
func (s *Store) GetRoomsForChannel(ctx context.Context, network, channel string) ([]string, error) {
	query := s.rebind(`
		SELECT room_id FROM channel_mappings
		WHERE network = ? AND channel = ?
		ORDER BY room_id
	`)
	rows, err := s.db.QueryContext(ctx, query, network, normalizeChannel(channel))
	if err != nil {
		return nil, fmt.Errorf("query rooms for channel: %w", err)
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, roomID)
	}
	return rooms, rows.Err()
}

// GetChannelsForRoom returns every channel mapped to a room.
func (s *Store) GetChannelsForRoom(ctx context.Context, roomID string) ([]store.Mapping, error) {
	query := s.rebind(`
		SELECT network, channel, room_id FROM channel_mappings
		WHERE room_id = ?
		ORDER BY network, channel
	`)
	return s.queryMappings(ctx, query, roomID)
}

// GetAllChannelMappings returns every mapping.
func (s *Store) GetAllChannelMappings(ctx context.Context) ([]store.Mapping, error) {
	query := `
		SELECT network, channel, room_id FROM channel_mappings
		ORDER BY network, channel, room_id
	`
	return s.queryMappings(ctx, query)
}

func (s *Store) queryMappings(ctx context.Context, query string, args ...any) ([]store.Mapping, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	var mappings []store.Mapping
	for rows.Next() {
		var m store.Mapping
		if err := rows.Scan(&m.Network, &m.Channel, &m.RoomID); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// GetTrackedChannels returns the distinct mapped channels of a network.
func (s *Store) GetTrackedChannels(ctx context.Context, network string) ([]string, error) {
	query := s.rebind(`
		SELECT DISTINCT channel FROM channel_mappings
		WHERE network = ?
		ORDER BY channel
	`)
	rows, err := s.db.QueryContext(ctx, query, network)
	if err != nil {
		return nil, fmt.Errorf("query tracked channels: %w", err)
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var channel string
		if err := rows.Scan(&channel); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, channel)
	}
	return channels, rows.Err()
}

// AddMapping stores a mapping; adding an existing mapping is a no-op.
func (s *Store) AddMapping(ctx context.Context, m store.Mapping) error {
	query := s.rebind(`
		INSERT INTO channel_mappings (network, channel, room_id)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if _, err := s.db.ExecContext(ctx, query, m.Network, normalizeChannel(m.Channel), m.RoomID); err != nil {
		return fmt.Errorf("insert mapping: %w", err)
	}
	return nil
}

// RemoveMapping deletes a mapping.
func (s *Store) RemoveMapping(ctx context.Context, m store.Mapping) error {
	query := s.rebind(`
		DELETE FROM channel_mappings
		WHERE network = ? AND channel = ? AND room_id = ?
	`)
	if _, err := s.db.ExecContext(ctx, query, m.Network, normalizeChannel(m.Channel), m.RoomID); err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	return nil
}

// ==== UserStore implementation ====

// GetUserConfig returns a user's config for a network.
func (s *Store) GetUserConfig(ctx context.Context, userID, network string) (*store.UserConfig, error) {
	query := s.rebind(`
		SELECT user_id, network, nick FROM user_configs
		WHERE user_id = ? AND network = ?
	`)
	var cfg store.UserConfig
	err := s.db.QueryRowContext(ctx, query, userID, network).Scan(&cfg.UserID, &cfg.Network, &cfg.Nick)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user config: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user config: %w", err)
	}
	return &cfg, nil
}

// SetUserConfig creates or replaces a user's config.
func (s *Store) SetUserConfig(ctx context.Context, cfg store.UserConfig) error {
	query := s.rebind(`
		INSERT INTO user_configs (user_id, network, nick, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id, network) DO UPDATE
		SET nick = excluded.nick, updated_at = CURRENT_TIMESTAMP
	`)
	if _, err := s.db.ExecContext(ctx, query, cfg.UserID, cfg.Network, cfg.Nick); err != nil {
		return fmt.Errorf("upsert user config: %w", err)
	}
	return nil
}

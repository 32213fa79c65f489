// Package matrix implements local.Intent against a Matrix homeserver using
// appservice user impersonation.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/vovakirdan/wirebridge/internal/core"
	"github.com/vovakirdan/wirebridge/internal/local"
)

// Config holds the appservice credentials.
type Config struct {
	HomeserverURL string
	Token         string
	BotUserID     string
}

// Intent acts on the homeserver as any user in the appservice namespace.
type Intent struct {
	cfg     Config
	log     zerolog.Logger
	clients *xsync.MapOf[string, *mautrix.Client]
}

var _ local.Intent = (*Intent)(nil)

// New validates cfg and builds an Intent.
func New(cfg Config, logger *zerolog.Logger) (*Intent, error) {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	it := &Intent{
		cfg:     cfg,
		log:     l.With().Str("module", "matrix").Logger(),
		clients: xsync.NewMapOf[string, *mautrix.Client](),
	}
	// fail fast on a malformed homeserver URL
	if _, err := it.client(cfg.BotUserID); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *Intent) client(userID string) (*mautrix.Client, error) {
	if cli, ok := it.clients.Load(userID); ok {
		return cli, nil
	}
	cli, err := mautrix.NewClient(it.cfg.HomeserverURL, id.UserID(userID), it.cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("matrix client for %s: %w", userID, err)
	}
	cli.SetAppServiceUserID = true
	cli.Log = it.log.With().Str("user_id", userID).Logger()
	actual, _ := it.clients.LoadOrStore(userID, cli)
	return actual, nil
}

// Join implements local.Intent.
func (it *Intent) Join(ctx context.Context, roomID, userID string) error {
	cli, err := it.client(userID)
	if err != nil {
		return err
	}
	_, err = cli.JoinRoomByID(ctx, id.RoomID(roomID))
	return wrap(err, "join %s as %s", roomID, userID)
}

// Leave implements local.Intent.
func (it *Intent) Leave(ctx context.Context, roomID, userID, reason string) error {
	cli, err := it.client(userID)
	if err != nil {
		return err
	}
	_, err = cli.LeaveRoom(ctx, id.RoomID(roomID), &mautrix.ReqLeave{Reason: reason})
	return wrap(err, "leave %s as %s", roomID, userID)
}

// Kick implements local.Intent.
func (it *Intent) Kick(ctx context.Context, roomID, kickerID, userID, reason string) error {
	cli, err := it.client(kickerID)
	if err != nil {
		return err
	}
	_, err = cli.KickUser(ctx, id.RoomID(roomID), &mautrix.ReqKickUser{
		UserID: id.UserID(userID),
		Reason: reason,
	})
	return wrap(err, "kick %s from %s", userID, roomID)
}

// JoinedMembers implements local.Intent. It reads as the bridge bot.
func (it *Intent) JoinedMembers(ctx context.Context, roomID string) (map[string]local.Profile, error) {
	cli, err := it.client(it.cfg.BotUserID)
	if err != nil {
		return nil, err
	}
	resp, err := cli.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return nil, wrap(err, "joined members of %s", roomID)
	}
	members := make(map[string]local.Profile, len(resp.Joined))
	for userID, member := range resp.Joined {
		members[string(userID)] = local.Profile{DisplayName: member.DisplayName}
	}
	return members, nil
}

type reqDirectoryVisibility struct {
	Visibility string `json:"visibility"`
}

// SetRoomVisibility implements local.Intent.
func (it *Intent) SetRoomVisibility(ctx context.Context, roomID string, visibility core.Visibility) error {
	cli, err := it.client(it.cfg.BotUserID)
	if err != nil {
		return err
	}
	url := cli.BuildClientURL("v3", "directory", "list", "room", roomID)
	_, err = cli.MakeRequest(ctx, http.MethodPut, url, reqDirectoryVisibility{Visibility: string(visibility)}, nil)
	return wrap(err, "set visibility of %s", roomID)
}

// wrap annotates err and maps permission denials to local.ErrForbidden.
func wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if isForbidden(err) {
		return fmt.Errorf("%s: %w: %w", msg, local.ErrForbidden, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isForbidden(err error) bool {
	if errors.Is(err, mautrix.MForbidden) {
		return true
	}
	var httpErr mautrix.HTTPError
	return errors.As(err, &httpErr) && httpErr.Response != nil && httpErr.Response.StatusCode == http.StatusForbidden
}

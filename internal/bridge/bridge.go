package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirebridge/internal/activity"
	"github.com/vovakirdan/wirebridge/internal/core"
	"github.com/vovakirdan/wirebridge/internal/local"
	"github.com/vovakirdan/wirebridge/internal/membership"
	"github.com/vovakirdan/wirebridge/internal/pool"
	"github.com/vovakirdan/wirebridge/internal/store"
	"github.com/vovakirdan/wirebridge/internal/visibility"
)

// Options wires a Bridge.
type Options struct {
	Pool     *pool.Pool
	Store    store.Store
	Members  local.Intent
	Queue    *membership.Queue
	Resolver *visibility.Resolver
	Activity *activity.Tracker
	Namer    core.Namer

	BotUserID   string
	JoinTimeout time.Duration
	LeaveTTL    time.Duration
	Logger      *zerolog.Logger
}

// Bridge runs the per-network reconcilers and keeps mappings, sessions and
// room visibility in step.
type Bridge struct {
	opts   Options
	log    zerolog.Logger
	joiner *SessionJoiner
	modes  *ModeTracker

	mu          sync.Mutex
	reconcilers map[string]*membership.Reconciler
}

// New builds a Bridge and installs its handlers on the pool.
func New(opts Options) *Bridge {
	l := zerolog.Nop()
	if opts.Logger != nil {
		l = *opts.Logger
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	b := &Bridge{
		opts:        opts,
		log:         l.With().Str("module", "bridge").Logger(),
		joiner:      NewSessionJoiner(opts.Pool, opts.Store),
		modes:       NewModeTracker(opts.Resolver),
		reconcilers: make(map[string]*membership.Reconciler),
	}
	opts.Pool.SetModeHandler(b.modes.HandleModes)

	for _, n := range opts.Pool.Networks() {
		network := n.Domain
		var checker membership.ActivityChecker
		if opts.Activity != nil {
			checker = opts.Activity
		}
		rec := membership.NewReconciler(membership.ReconcilerOptions{
			Network:  n,
			Mappings: opts.Store,
			Members:  opts.Members,
			Leaver:   opts.Queue,
			Joiner:   b.joiner,
			Activity: checker,
			Namer:    opts.Namer,
			IsBridgedNick: func(nick string) bool {
				return opts.Pool.IsBridgedNick(network, nick)
			},
			BotUserID:   opts.BotUserID,
			JoinTimeout: opts.JoinTimeout,
			LeaveTTL:    opts.LeaveTTL,
			Logger:      opts.Logger,
		})
		if err := opts.Pool.RegisterRosterHandler(network, rec); err != nil {
			b.log.Error().Err(err).Str("network", network).Msg("failed to register roster handler")
			continue
		}
		b.reconcilers[network] = rec
	}
	return b
}

// Reconciler returns the reconciler of network.
func (b *Bridge) Reconciler(network string) (*membership.Reconciler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.reconcilers[network]
	return rec, ok
}

// Start brings up every network: the bot connects and joins the tracked
// channels, then local users are joined to their rooms' channels. A network
// that cannot be brought up is logged and skipped.
func (b *Bridge) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range b.opts.Pool.Networks() {
		network := n.Domain
		g.Go(func() error {
			if err := b.startNetwork(gctx, network); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				b.log.Error().Err(err).Str("network", network).Msg("network start failed")
			}
			return nil
		})
	}
	return g.Wait()
}

func (b *Bridge) startNetwork(ctx context.Context, network string) error {
	bot, err := b.opts.Pool.StartBot(network)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, b.opts.JoinTimeout)
	err = bot.WaitConnected(waitCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("bot connect: %w", err)
	}

	channels, err := b.opts.Store.GetTrackedChannels(ctx, network)
	if err != nil {
		return fmt.Errorf("tracked channels: %w", err)
	}
	for _, channel := range channels {
		joinCtx, cancel := context.WithTimeout(ctx, b.opts.JoinTimeout)
		err := bot.Join(joinCtx, channel)
		cancel()
		if err != nil {
			b.log.Warn().Err(err).Str("network", network).Str("channel", channel).Msg("bot failed to join channel")
		}
	}
	b.log.Info().Str("network", network).Int("channels", len(channels)).Msg("bot joined tracked channels")

	return b.Sync(ctx, network)
}

// Sync runs an outbound membership pass for network from fresh room snapshots.
func (b *Bridge) Sync(ctx context.Context, network string) error {
	rec, ok := b.Reconciler(network)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownNetwork, network)
	}
	rec.InvalidateAll()
	return rec.JoinUsersToChannels(ctx)
}

// NoteActivity records activity of a local user and of its sessions.
func (b *Bridge) NoteActivity(userID string) {
	if b.opts.Activity != nil {
		b.opts.Activity.Touch(userID)
	}
	for _, n := range b.opts.Pool.Networks() {
		if s, ok := b.opts.Pool.SessionForUser(n.Domain, userID); ok {
			s.Touch()
		}
	}
}

// Link maps a channel to a room, makes the bot join the channel and
// re-resolves the visibility of the affected rooms.
func (b *Bridge) Link(ctx context.Context, m store.Mapping) error {
	if _, ok := b.opts.Pool.Network(m.Network); !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownNetwork, m.Network)
	}
	if err := b.opts.Store.AddMapping(ctx, m); err != nil {
		return fmt.Errorf("add mapping: %w", err)
	}
	if rec, ok := b.Reconciler(m.Network); ok {
		rec.Invalidate(m.RoomID)
	}
	if bot, ok := b.opts.Pool.BotSession(m.Network); ok {
		joinCtx, cancel := context.WithTimeout(ctx, b.opts.JoinTimeout)
		err := bot.Join(joinCtx, m.Channel)
		cancel()
		if err != nil {
			b.log.Warn().Err(err).Str("network", m.Network).Str("channel", m.Channel).Msg("bot failed to join linked channel")
		}
	}
	return b.opts.Resolver.Resolve(ctx, m.Network, m.Channel)
}

// Unlink removes a mapping and re-resolves both sides it used to connect.
func (b *Bridge) Unlink(ctx context.Context, m store.Mapping) error {
	if err := b.opts.Store.RemoveMapping(ctx, m); err != nil {
		return fmt.Errorf("remove mapping: %w", err)
	}
	if rec, ok := b.Reconciler(m.Network); ok {
		rec.Invalidate(m.RoomID)
	}

	errs := []error{b.opts.Resolver.Resolve(ctx, m.Network, m.Channel)}
	remaining, err := b.opts.Store.GetChannelsForRoom(ctx, m.RoomID)
	if err != nil {
		errs = append(errs, fmt.Errorf("channels for %s: %w", m.RoomID, err))
	} else if len(remaining) > 0 {
		errs = append(errs, b.opts.Resolver.Resolve(ctx, remaining[0].Network, remaining[0].Channel))
	}
	return errors.Join(errs...)
}

package bridge

import (
	"context"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/vovakirdan/wirebridge/internal/remote"
)

const (
	modeSecret  = 1 << iota // +s
	modePrivate             // +p
)

// SecretSetter records whether a channel is hidden from public listings.
type SecretSetter interface {
	SetChannelSecret(ctx context.Context, network, channel string, secret bool) error
}

type channelModes struct {
	flags uint8
	// known is set once a full mode listing arrived; until then the channel
	// counts as secret whatever toggles were seen.
	known bool
}

// ModeTracker folds +s and +p into a per-channel secrecy flag.
type ModeTracker struct {
	setter SecretSetter
	modes  *xsync.MapOf[string, channelModes]
}

// NewModeTracker builds a ModeTracker feeding setter.
func NewModeTracker(setter SecretSetter) *ModeTracker {
	return &ModeTracker{setter: setter, modes: xsync.NewMapOf[string, channelModes]()}
}

// HandleModes matches pool.ModeHandler. All flags of one line are applied
// before the setter is called once; lines touching neither s nor p are ignored.
func (m *ModeTracker) HandleModes(ctx context.Context, network, channel string, set remote.ModeSet) error {
	_, hasSecret := set.Flags['s']
	_, hasPrivate := set.Flags['p']
	if !set.Complete && !hasSecret && !hasPrivate {
		return nil
	}

	state, _ := m.modes.Compute(network+" "+strings.ToLower(channel), func(old channelModes, _ bool) (channelModes, bool) {
		if set.Complete {
			old = channelModes{known: true}
		}
		for r, bit := range map[rune]uint8{'s': modeSecret, 'p': modePrivate} {
			enabled, ok := set.Flags[r]
			switch {
			case !ok:
			case enabled:
				old.flags |= bit
			default:
				old.flags &^= bit
			}
		}
		return old, false
	})
	return m.setter.SetChannelSecret(ctx, network, channel, state.flags != 0 || !state.known)
}

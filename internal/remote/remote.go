// Package remote defines the contract between the bridge and a remote
// line-protocol network client.
package remote

import "context"

// ClientConfig describes the identity a client presents when connecting.
type ClientConfig struct {
	Network  string
	URL      string
	Nick     string
	Username string
	Realname string
	Password string
}

// ModeSet is the batch of channel mode flags carried by one line. When
// Complete is set the line listed every mode of the channel, so flags absent
// from Flags are off.
type ModeSet struct {
	Flags    map[rune]bool
	Complete bool
}

// Events receives the lifecycle callbacks of one client. Implementations must
// not block; the client invokes them from its read loop.
type Events interface {
	// OnConnected fires once the network acknowledged the registration with nick.
	OnConnected(nick string)
	// OnDisconnected fires once when the connection ends for any reason.
	OnDisconnected(reason string)
	// OnNickChanged fires when the client's own nick changes.
	OnNickChanged(oldNick, newNick string)
	// OnJoinError fires when the network refuses a join.
	OnJoinError(channel, code string)
	// OnRoster delivers the complete member list of a channel.
	OnRoster(channel string, members []string)
	// OnChannelModes delivers the mode flags changed or listed by one line.
	OnChannelModes(channel string, modes ModeSet)
}

// Client is one connection to a remote network.
type Client interface {
	// Connect dials and registers; it returns once registration completed.
	Connect(ctx context.Context) error
	// Disconnect closes the connection with a quit reason.
	Disconnect(reason string) error
	// Join joins a channel and returns once the network confirmed it.
	Join(ctx context.Context, channel string) error
	// Leave parts a channel.
	Leave(ctx context.Context, channel string) error
	// Nick returns the nick currently assigned by the network.
	Nick() string
}

// Dialer builds clients bound to an Events sink.
type Dialer interface {
	NewClient(cfg ClientConfig, events Events) Client
}

package core

// MembershipRules controls which membership directions are synced for a network.
type MembershipRules struct {
	// RemoteToLocal enables leaving ghosts that vanished from a channel roster.
	RemoteToLocal bool
	// InitialLocalToRemote joins every real room member to the channel on startup.
	// When false a room is trimmed to one representative user.
	InitialLocalToRemote bool
	// RoomOverrides replaces InitialLocalToRemote for specific rooms.
	RoomOverrides map[string]bool
}

// ShouldSyncInitial reports whether all real members of roomID are joined on startup.
func (r MembershipRules) ShouldSyncInitial(roomID string) bool {
	if v, ok := r.RoomOverrides[roomID]; ok {
		return v
	}
	return r.InitialLocalToRemote
}

// Network is the static configuration of one remote network.
type Network struct {
	Domain               string
	URL                  string
	BotNick              string
	MaxClients           int
	ReconnectConcurrency int
	Membership           MembershipRules
}

package core

// Visibility is the directory visibility of a local room.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// RoomInfo is a snapshot of a local room's membership.
type RoomInfo struct {
	RoomID       string
	RealUsers    []string
	RemoteUsers  []string
	DisplayNames map[string]string
}

// Clone returns a deep copy so cached snapshots can be handed out safely.
func (r *RoomInfo) Clone() *RoomInfo {
	if r == nil {
		return nil
	}
	out := &RoomInfo{
		RoomID:       r.RoomID,
		RealUsers:    append([]string(nil), r.RealUsers...),
		RemoteUsers:  append([]string(nil), r.RemoteUsers...),
		DisplayNames: make(map[string]string, len(r.DisplayNames)),
	}
	for k, v := range r.DisplayNames {
		out.DisplayNames[k] = v
	}
	return out
}

// RemoveRemoteUsers drops the given ghosts from the snapshot.
func (r *RoomInfo) RemoveRemoteUsers(userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		drop[id] = struct{}{}
	}
	kept := r.RemoteUsers[:0]
	for _, id := range r.RemoteUsers {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	r.RemoteUsers = kept
}

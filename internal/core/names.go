package core

import (
	"regexp"
	"strings"

	"github.com/vovakirdan/wirebridge/internal/utils"
)

// MaxNickLength is the longest nick the bridge will request.
const MaxNickLength = 30

// Namer maps remote nicks to local ghost user IDs and back.
// Ghost IDs look like "@<prefix><network>_<nick>:<domain>".
type Namer struct {
	Prefix string
	Domain string
}

// UserID returns the ghost user ID of nick on network.
func (n Namer) UserID(network, nick string) string {
	return "@" + n.Prefix + strings.ToLower(network) + "_" + strings.ToLower(nick) + ":" + n.Domain
}

// IsGhost reports whether userID belongs to the ghost namespace.
func (n Namer) IsGhost(userID string) bool {
	return strings.HasPrefix(userID, "@"+n.Prefix) && strings.HasSuffix(userID, ":"+n.Domain)
}

// Nick extracts the remote nick from a ghost userID on network.
func (n Namer) Nick(network, userID string) (string, bool) {
	if !n.IsGhost(userID) {
		return "", false
	}
	local := strings.TrimSuffix(strings.TrimPrefix(userID, "@"+n.Prefix), ":"+n.Domain)
	nick, ok := strings.CutPrefix(local, strings.ToLower(network)+"_")
	if !ok || nick == "" {
		return "", false
	}
	return nick, true
}

var (
	invalidNickChars = regexp.MustCompile("[^A-Za-z0-9_\\-\\[\\]\\\\^{}|`]")
	nickFirstChar    = regexp.MustCompile(`^[A-Za-z_\[\]\\^{}|` + "`" + `]`)
)

// SanitizeNick strips characters a remote network would reject and truncates
// to MaxNickLength. It returns "" when nothing usable is left.
func SanitizeNick(name string) string {
	nick := invalidNickChars.ReplaceAllString(name, "")
	if nick == "" {
		return ""
	}
	if !nickFirstChar.MatchString(nick) {
		nick = "M" + nick
	}
	if len(nick) > MaxNickLength {
		nick = nick[:MaxNickLength]
	}
	return nick
}

// DeriveNick picks a nick for a local user from its display name, falling back
// to the localpart of its user ID.
func DeriveNick(displayName, userID string) string {
	if nick := SanitizeNick(displayName); nick != "" {
		return nick
	}
	local := strings.TrimPrefix(userID, "@")
	if i := strings.IndexByte(local, ':'); i >= 0 {
		local = local[:i]
	}
	if nick := SanitizeNick(local); nick != "" {
		return nick
	}
	return "M" + utils.NewID()[:8]
}

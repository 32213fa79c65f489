package core

import "errors"

// Error codes reported by the remote network for joins and disconnects.
const (
	CodeBannedFromChannel   = "banned-from-channel"
	CodeInviteOnly          = "invite-only"
	CodeChannelFull         = "channel-full"
	CodeBadKey              = "bad-key"
	CodeNeedsRegisteredNick = "needs-registered-nick"
	CodeTimeout             = "timeout"
	CodeThrottled           = "throttled"
	CodeCapacityExceeded    = "capacity-exceeded"
	CodeUnknown             = "unknown"
)

var (
	ErrUnknownNetwork = errors.New("unknown network")
	ErrNoSession      = errors.New("no session")
	ErrNotConnected   = errors.New("session not connected")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

// NewError builds a CoreError.
func NewError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// CodeOf extracts the code of a CoreError in err's chain, or CodeUnknown.
func CodeOf(err error) string {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Code
	}
	return CodeUnknown
}

// IsFatalJoinCode reports whether a join failure with this code means the user
// can never be present in the channel until something changes on the remote side.
func IsFatalJoinCode(code string) bool {
	switch code {
	case CodeBannedFromChannel, CodeInviteOnly, CodeChannelFull, CodeBadKey, CodeNeedsRegisteredNick:
		return true
	default:
		return false
	}
}

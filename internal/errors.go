package internal

import (
	"errors"

	"github.com/gorilla/websocket"
)

// Handshake-fatal errors. The socket is closed with a policy-violation code.
var (
	ErrUnauthenticated   = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid or expired credential")
	ErrUnknownUser       = errors.New("user no longer exists")
	ErrHandshakeTimeout  = errors.New("handshake timed out")
)

// Frame-level errors. The connection stays open and an error frame is returned.
var (
	ErrNoTeam             = errors.New("you are not a member of a team")
	ErrSelfDirectMessage  = errors.New("cannot open a direct conversation with yourself")
	ErrForbidden          = errors.New("not allowed to access this room")
	ErrEmptyMessage       = errors.New("message is empty")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMissingTarget      = errors.New("direct room requires a target user")
	ErrUnknownTarget      = errors.New("target user does not exist")
	ErrInvalidRoomType    = errors.New("room type must be TEAM or DIRECT")
	ErrMalformedFrame     = errors.New("frame is not valid JSON")
	ErrRateLimited        = errors.New("sending too quickly, slow down")
	ErrProcessing         = errors.New("could not process the request")
)

// Wire codes carried in the "code" field of error frames.
const (
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeInvalidCredential  = "INVALID_CREDENTIAL"
	CodeUnknownUser        = "UNKNOWN_USER"
	CodeHandshakeTimeout   = "HANDSHAKE_TIMEOUT"
	CodeNoTeam             = "NO_TEAM"
	CodeSelfDirectMessage  = "SELF_DIRECT_MESSAGE"
	CodeForbidden          = "FORBIDDEN"
	CodeEmptyMessage       = "EMPTY_MESSAGE"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeMissingTarget      = "MISSING_TARGET"
	CodeUnknownTarget      = "UNKNOWN_TARGET"
	CodeInvalidRoomType    = "INVALID_ROOM_TYPE"
	CodeMalformedFrame     = "MALFORMED_FRAME"
	CodeRateLimited        = "RATE_LIMITED"
	CodeProcessingError    = "PROCESSING_ERROR"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrUnauthenticated, CodeUnauthenticated},
	{ErrInvalidCredential, CodeInvalidCredential},
	{ErrUnknownUser, CodeUnknownUser},
	{ErrHandshakeTimeout, CodeHandshakeTimeout},
	{ErrNoTeam, CodeNoTeam},
	{ErrSelfDirectMessage, CodeSelfDirectMessage},
	{ErrForbidden, CodeForbidden},
	{ErrEmptyMessage, CodeEmptyMessage},
	{ErrUnknownMessageType, CodeUnknownMessageType},
	{ErrMissingTarget, CodeMissingTarget},
	{ErrUnknownTarget, CodeUnknownTarget},
	{ErrInvalidRoomType, CodeInvalidRoomType},
	{ErrMalformedFrame, CodeMalformedFrame},
	{ErrRateLimited, CodeRateLimited},
}

// ProtocolError is the client-facing form of an error: a stable code and a
// message that is safe to show. Errors outside the taxonomy collapse into
// PROCESSING_ERROR so internal details never reach the wire.
type ProtocolError struct {
	Code    string
	Message string
}

func (e ProtocolError) Error() string {
	return e.Code + ": " + e.Message
}

// toProtocolError maps err onto the wire taxonomy. The second result is false
// when err was not a known frame or handshake error.
func toProtocolError(err error) (ProtocolError, bool) {
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return ProtocolError{Code: entry.code, Message: entry.err.Error()}, true
		}
	}
	return ProtocolError{Code: CodeProcessingError, Message: ErrProcessing.Error()}, false
}

// isHandshakeError reports whether err must terminate the connection.
func isHandshakeError(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrUnknownUser) ||
		errors.Is(err, ErrHandshakeTimeout)
}

// closeCodeFor picks the websocket close code sent after a failed handshake.
func closeCodeFor(err error) int {
	if isHandshakeError(err) {
		return websocket.ClosePolicyViolation
	}
	return websocket.CloseInternalServerErr
}

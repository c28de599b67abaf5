package errors

import stderr "errors"

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is identical.
func New(msg string) error {
	return stderr.New(msg)
}

var (
	// ErrUnknownMessage reports a frame whose tag this server does not handle.
	// Callers ignore it so newer clients can extend the protocol.
	ErrUnknownMessage = New("unknown message type")
	// ErrSessionClosed reports an operation against a session that was unloaded.
	ErrSessionClosed = New("session closed")
	// ErrRegistryClosed reports an attach after shutdown started.
	ErrRegistryClosed = New("registry closed")
	// ErrRoomExists reports a room id that is already taken.
	ErrRoomExists = New("room already exists")
	// ErrInvalidCredentials reports an unknown room or a wrong password.
	ErrInvalidCredentials = New("invalid room id or password")
)

// IsDropped reports whether the error only invalidates a single frame, so the
// connection that sent it should stay open.
func IsDropped(e error) bool {
	if stderr.Is(e, ErrUnknownMessage) {
		return true
	}
	var mm *MalformedMessageError
	if stderr.As(e, &mm) {
		return true
	}
	var id *InvalidDeltaError
	return stderr.As(e, &id)
}

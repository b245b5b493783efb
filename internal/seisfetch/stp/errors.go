package stp

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrSession is returned when the session is used in a way its current state does not allow: not connected,
// already connected, an unrecognized network code or an invalid argument. Nothing was sent to the peer.
type ErrSession struct {
	Reason string
}

func (err *ErrSession) Error() string {
	return "stp session: " + err.Reason
}

// ErrProtocol describes peer output that could not be parsed, or a summary count that does not match the
// records received. These are logged and otherwise ignored.
type ErrProtocol struct {
	Command string // The command whose response was malformed
	Line    string // Optional offending line
	Message string
}

func (err *ErrProtocol) Error() string {
	if err.Line != "" {
		return fmt.Sprintf("malformed response to %q: %s (line %q)", err.Command, err.Message, err.Line)
	}
	return fmt.Sprintf("malformed response to %q: %s", err.Command, err.Message)
}

// ErrDisconnected is returned when the peer exits unexpectedly. The session can be connected again.
type ErrDisconnected struct {
	ExitCode int
}

func (err *ErrDisconnected) Error() string {
	return fmt.Sprintf("STP Error: Disconnected [exit-code %d]", err.ExitCode)
}

// ErrFatalPeer is returned when the peer crashed or cannot run at all. A worker receiving it gives up; when
// MissingConfiguration is set the whole scheduler has to stop, since no peer will be able to start.
type ErrFatalPeer struct {
	ExitCode             int
	MissingConfiguration bool
	Message              string
}

func (err *ErrFatalPeer) Error() string {
	return fmt.Sprintf("STP Error: %s [exit-code %d]", err.Message, err.ExitCode)
}

func IsFatal(err error) bool {
	var fatal *ErrFatalPeer
	return errors.As(err, &fatal)
}

func IsMissingConfiguration(err error) bool {
	var fatal *ErrFatalPeer
	return errors.As(err, &fatal) && fatal.MissingConfiguration
}

func IsDisconnected(err error) bool {
	var disconnected *ErrDisconnected
	return errors.As(err, &disconnected)
}

func IsSessionError(err error) bool {
	var sessionErr *ErrSession
	return errors.As(err, &sessionErr)
}

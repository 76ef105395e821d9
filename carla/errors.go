package carla

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by calls made on, or pending when, a closed RPC connection.
	ErrClosed = errors.New("carla: connection closed")

	// ErrReconnectThrottled is returned when a reconnect is attempted sooner than the
	// configured reconnect interval allows.
	ErrReconnectThrottled = errors.New("carla: reconnect throttled")

	// ErrUnknownBlueprint is returned when spawning a blueprint the simulator does not define.
	ErrUnknownBlueprint = errors.New("carla: unknown blueprint")

	// ErrInvalidSpawnPoint is returned when a spawn point index is outside the map's
	// recommended spawn points.
	ErrInvalidSpawnPoint = errors.New("carla: invalid spawn point")
)

// ServerError is an error reported by the Carla server itself, either through rpclib's
// error slot or through Carla's response wrapper.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// DecodeError reports a response whose shape does not match what the client expected.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s: %s", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Package bus provides the pluggable CAN transport the rest of this module
// is built on: an in-memory Loopback for tests and demos, and a Logged
// decorator. Every implementation satisfies the same Bus interface, so
// conn.Connection and cmd/j1939demo can swap one for another without any
// other package noticing. The raw-socket CAN interface itself (opening a
// SocketCAN device, binding to it, reading/writing kernel can_frame
// buffers) is the external collaborator spec.md §1 and §6 deliberately
// keep out of the core's scope; nothing here depends on a concrete socket
// implementation beyond this interface.
package bus

import (
	"context"
	"errors"

	"github.com/guoh27/j1939/j1939"
)

// Bus represents a CAN bus connection which can send and receive frames.
// Implementations must be safe for concurrent use by multiple goroutines.
type Bus interface {
	// Send transmits a frame. It may block until the frame is queued or
	// sent. Context cancellation aborts the operation.
	Send(ctx context.Context, frame j1939.Frame) error

	// Receive retrieves the next available frame, blocking until one
	// arrives or ctx is done.
	Receive(ctx context.Context) (j1939.Frame, error)

	// Close releases resources. Further Send/Receive return ErrClosed.
	Close() error
}

// ErrClosed indicates the bus or endpoint has been closed.
var ErrClosed = errors.New("bus: closed")

package server

import "context"

// Handler processes a single accepted connection. The connection is closed
// by the owning worker when Handle returns, regardless of the outcome, so
// implementations may but need not close it themselves.
//
// ctx is the server's base context; it is canceled by Stop but stays live
// across Shutdown, which instead waits for handlers to return on their own.
// opts is the HandlerOptions value snapshotted by the worker at spawn.
// A returned error marks the connection as closed abnormally; it is reported
// through the Observer and never terminates the worker.
type Handler interface {
	Handle(ctx context.Context, conn *Conn, opts any) error
}

// HandlerFunc adapts an ordinary function into a Handler.
type HandlerFunc func(ctx context.Context, conn *Conn, opts any) error

// Handle calls f(ctx, conn, opts).
func (f HandlerFunc) Handle(ctx context.Context, conn *Conn, opts any) error {
	return f(ctx, conn, opts)
}

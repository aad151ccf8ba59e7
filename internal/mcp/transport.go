package mcp

import "context"

// Transport moves JSON-RPC frames between a Client and one server. The
// stdio and streamable HTTP transports implement it.
type Transport interface {
	// Send delivers req and waits for the response with the matching id.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify delivers a message that gets no response, such as
	// notifications/initialized.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases the connection. A stdio transport also stops its
	// server process.
	Close() error
}

// restartable is implemented by transports whose server can be replaced
// underneath the client, losing its session. Generation changes each
// time that happens.
type restartable interface {
	Generation() uint64
}

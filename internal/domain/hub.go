package domain

import (
	"context"
	"encoding/json"
)

// HubConnection is the persistent connection to the chat hub as the
// connection manager sees it. A HubConnection is single use: once stopped
// or closed it is discarded and a new one is built.
type HubConnection interface {
	// Start opens the connection. Stop cancels an in-flight Start.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Invoke calls a hub method and waits for its completion.
	Invoke(ctx context.Context, method string, args ...any) error

	// On registers the handler for a server-to-client method. Handlers run
	// on one dispatch goroutine, in arrival order, and may call Invoke.
	On(method string, handler func(args []json.RawMessage))

	// OnReconnecting fires when the connection is lost and automatic
	// reconnection begins. OnReconnected fires when it succeeds. OnClose
	// fires once when the connection ends for good.
	OnReconnecting(func(err error))
	OnReconnected(func())
	OnClose(func(err error))
}

// HubDialer builds a HubConnection authenticated with token. The token is
// opaque to everything but the dialer.
type HubDialer func(token string) HubConnection

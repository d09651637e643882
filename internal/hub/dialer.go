package hub

import (
	"log/slog"
	"time"

	"farmchat/internal/domain"
	"farmchat/internal/signalr"
)

// DialerConfig configures the SignalR-backed HubDialer.
type DialerConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// NewDialer returns a HubDialer producing SignalR hub connections that
// reconnect with ReconnectPolicy.
func NewDialer(cfg DialerConfig) domain.HubDialer {
	return func(token string) domain.HubConnection {
		return signalr.New(signalr.Config{
			URL:              cfg.URL,
			AccessToken:      func() (string, error) { return token, nil },
			Retry:            ReconnectPolicy{},
			HandshakeTimeout: cfg.HandshakeTimeout,
			Logger:           cfg.Logger,
		})
	}
}

package gateway

import (
	"imgateway/internal/im"
	"imgateway/internal/im/connection"
	"imgateway/internal/im/transport/discord"
	"imgateway/internal/im/transport/feishu"
	"imgateway/internal/im/transport/telegram"
	logx "imgateway/pkg/logx"
)

// TransportFactory builds the persistent transport for one provider.
type TransportFactory func(cfg im.ProviderConfig, log logx.Logger) (connection.Transport, error)

// DefaultTransports wires the session-capable providers.
func DefaultTransports(cfg im.ProviderConfig, log logx.Logger) (connection.Transport, error) {
	var (
		t   connection.Transport
		err error
	)
	switch cfg.Provider {
	case im.Discord:
		t, err = asTransport(discord.New(cfg, log))
	case im.Feishu:
		t, err = asTransport(feishu.New(cfg, log))
	case im.Telegram:
		t, err = asTransport(telegram.New(cfg, log))
	default:
		err = &im.ConfigurationError{Provider: cfg.Provider, Reason: "no persistent transport for provider"}
	}
	return t, err
}

// asTransport avoids handing out a typed nil on error.
func asTransport[T connection.Transport](t T, err error) (connection.Transport, error) {
	if err != nil {
		return nil, err
	}
	return t, nil
}

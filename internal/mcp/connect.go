package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Connect opens the transport described by cfg, binds a session to it
// and performs the handshake. On failure everything acquired so far is
// released in reverse order. The caller owns the returned session and
// must Close it.
func Connect(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	transport, err := NewTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := transport.Open(ctx); err != nil {
		return nil, errors.Join(err, transport.Close())
	}

	session := NewSession(cfg.Name, transport, logger)
	if _, err := session.Initialize(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("connect %s: %w", cfg.Name, err), session.Close())
	}
	return session, nil
}

// WithSession connects to the provider, runs fn with the initialized
// session and closes the session (then its transport) on every exit
// path, including a panic in fn. Errors from fn and from Close are
// both reported.
func WithSession(ctx context.Context, cfg ServerConfig, logger *slog.Logger, fn func(context.Context, *Session) error) (err error) {
	session, err := Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close %s: %w", cfg.Name, closeErr))
		}
	}()
	return fn(ctx, session)
}

package cmd

import (
	"fmt"
	"io"

	"github.com/raakeshmj/keygate/internal/config"
	"github.com/raakeshmj/keygate/internal/server"
)

// openStore opens the configured store for offline administration. With the
// memory driver nothing outlives the command.
func openStore() (*config.Config, server.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := server.OpenStore(cfg.Storage)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	closeFn := func() {
		if c, ok := store.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return cfg, store, closeFn, nil
}

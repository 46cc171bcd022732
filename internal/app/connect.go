package app

import (
	"context"
	"fmt"
	"io"

	"jobcast/internal/broker"
	"jobcast/internal/config"
	"jobcast/internal/jobs"
	"jobcast/pkg/logx"
)

// OpenRegistry loads cfgPath and connects a registry without starting any
// workers, for one-shot commands. Closing the returned io.Closer releases
// the broker connections.
func OpenRegistry(ctx context.Context, cfgPath string, log logx.Logger) (*jobs.Registry, io.Closer, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	bc, err := mapBrokerConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts, err := mapRegistryOptions(cfg)
	if err != nil {
		return nil, nil, err
	}
	conns, err := broker.Open(ctx, bc, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connect broker: %w", err)
	}
	return jobs.NewRegistry(conns.Queue, log, opts...), conns, nil
}

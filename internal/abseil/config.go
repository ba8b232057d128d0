package abseil

import (
	"fmt"

	"github.com/CZERTAINLY/abseil/internal/model"
	"github.com/CZERTAINLY/abseil/internal/pool"
)

// FromConfig builds the worker pool and a Controller bounded by cfg.
// Options in opts are applied after the configured bounds.
func FromConfig(cfg model.Config, opts ...Option) (*Controller, error) {
	bounds, err := cfg.Runtime.Bounds()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	p, err := pool.New(cfg.Pool.Workers, pool.WithQueueSize(cfg.Pool.QueueSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	all := append([]Option{
		WithMinWait(bounds.MinWait),
		WithMaxWait(bounds.MaxWait),
		WithPollInterval(bounds.PollInterval),
	}, opts...)
	c, err := New(p, bounds.MaxRuntime, all...)
	if err != nil {
		p.Shutdown(false)
		return nil, err
	}
	return c, nil
}

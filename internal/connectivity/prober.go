package connectivity

import (
	"context"
	"time"
)

// HealthChecker is satisfied by apiclient.Client.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Prober treats the server as online while its health endpoint answers.
type Prober struct {
	Checker  HealthChecker
	Interval time.Duration
	Timeout  time.Duration
}

func (p *Prober) Watch(ctx context.Context, report func(online bool)) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report(p.probe(ctx))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Prober) probe(ctx context.Context) bool {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	return p.Checker.Health(ctx) == nil
}

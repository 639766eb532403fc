package sync

import (
	"context"
	"time"
)

// Poller triggers a pass immediately and then on every tick, independent of
// push delivery.
type Poller struct {
	Interval time.Duration
	Target   Triggerer
}

func (p *Poller) Run(ctx context.Context) {
	p.Target.Trigger()

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Target.Trigger()
		}
	}
}

// Package health aggregates component checkers into the service health
// reported on /health.
package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Checker is implemented by component-level checkers.
type Checker interface {
	Name() string
	IsHealthy() bool
	Start(ctx context.Context, interval time.Duration)
}

// Status is the body served on /health.
type Status struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// ServiceChecker aggregates component checkers into a single service health flag.
type ServiceChecker struct {
	healthy atomic.Int32
	deps    []Checker
	log     zerolog.Logger
}

func NewServiceChecker(log zerolog.Logger, deps ...Checker) *ServiceChecker {
	return &ServiceChecker{deps: deps, log: log}
}

// IsHealthy returns cached service health.
func (h *ServiceChecker) IsHealthy() bool { return h.healthy.Load() == 1 }

// Status reports the cached flag of every component.
func (h *ServiceChecker) Status() Status {
	st := Status{Status: "UP", Components: make(map[string]string, len(h.deps))}
	if !h.IsHealthy() {
		st.Status = "DOWN"
	}
	for _, c := range h.deps {
		if c.IsHealthy() {
			st.Components[c.Name()] = "UP"
		} else {
			st.Components[c.Name()] = "DOWN"
		}
	}
	return st
}

// Start starts every component checker and then periodically evaluates them.
func (h *ServiceChecker) Start(ctx context.Context, interval time.Duration) {
	for _, c := range h.deps {
		go c.Start(ctx, interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := int32(0)
	eval := func() {
		var cur int32 = 1
		for _, c := range h.deps {
			if !c.IsHealthy() {
				cur = 0
			}
		}
		h.healthy.Store(cur)
		if cur != prev {
			if cur == 1 {
				h.log.Info().Msg("service health: UP")
			} else {
				h.log.Error().Msg("service health: DOWN")
			}
			prev = cur
		}
	}

	eval()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eval()
		}
	}
}

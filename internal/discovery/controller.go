package discovery

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Backend is implemented by each pluggable discovery source. A backend's
// job is simply to produce the current full snapshot of ServerInfo for the
// mesh; the Controller owns polling cadence, coalescing, and feeding Center.
type Backend interface {
	// Fetch returns the current snapshot of known servers. Implementations
	// should treat ctx's deadline as a hard budget and return a partial (or
	// cached) result rather than block past it where feasible.
	Fetch(ctx context.Context) ([]ServerInfo, error)

	// Name identifies the backend for logging.
	Name() string
}

// Controller periodically polls a Backend and feeds the results into a
// Center, coalescing concurrent refresh requests (the ticker and any
// RefreshNow calls) with singleflight so they don't fan out into N redundant
// backend calls.
//
// Grounded on the teacher's enricher_middleware (internal/service/
// enricher_middleware.go), which wraps an external lookup with caching and
// single-flighting; the same shape here wraps a discovery backend instead of
// a contact enrichment call.
type Controller struct {
	backend Backend
	center  *Center
	logger  *slog.Logger
	period  time.Duration

	sf singleflight.Group

	stopCh chan struct{}
}

func NewController(backend Backend, center *Center, logger *slog.Logger, period time.Duration) *Controller {
	if period <= 0 {
		period = 3 * time.Second
	}
	return &Controller{
		backend: backend,
		center:  center,
		logger:  logger,
		period:  period,
		stopCh:  make(chan struct{}),
	}
}

// Run blocks, polling the backend on period and evicting expired entries
// from Center, until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	c.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.refresh(ctx)
			c.center.EvictExpired(time.Now())
		}
	}
}

// RefreshNow triggers an out-of-band refresh (e.g. on a gRPC-push
// notification from a Registrar backend) and blocks until it completes.
func (c *Controller) RefreshNow(ctx context.Context) {
	c.refresh(ctx)
}

func (c *Controller) refresh(ctx context.Context) {
	_, err, _ := c.sf.Do(c.backend.Name(), func() (any, error) {
		infos, err := c.backend.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.center.Upsert(time.Now(), infos)
		return nil, nil
	})
	if err != nil {
		c.logger.Warn("discovery refresh failed", "backend", c.backend.Name(), "err", err)
	}
}

func (c *Controller) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

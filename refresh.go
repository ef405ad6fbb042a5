package trellis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

var discoveryCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// RefreshSchedulerConfig configures scheduled catalog refresh.
type RefreshSchedulerConfig struct {
	Gateway *Gateway
	// Schedule is a five-field UTC cron expression, e.g. "*/15 * * * *".
	Schedule string
	// Servers limits refresh to these server ids; empty means every server
	// the transport knows about.
	Servers []string
	// Concurrency bounds how many servers are refreshed at once. Default: 4.
	Concurrency int
	Logger      *slog.Logger
}

// RefreshScheduler re-discovers remote tool catalogs on a cron schedule so
// the registry tracks tools added or changed on the remote side.
type RefreshScheduler struct {
	gateway     *Gateway
	schedule    cron.Schedule
	servers     []string
	concurrency int
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRefreshScheduler parses the schedule and builds the scheduler.
func NewRefreshScheduler(cfg RefreshSchedulerConfig) (*RefreshScheduler, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("trellis: refresh scheduler needs a gateway")
	}
	expr := strings.TrimSpace(cfg.Schedule)
	if expr == "" {
		return nil, fmt.Errorf("trellis: refresh schedule is required")
	}
	schedule, err := discoveryCronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("trellis: invalid refresh schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &RefreshScheduler{
		gateway:     cfg.Gateway,
		schedule:    schedule,
		servers:     cfg.Servers,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Start launches the schedule loop. Pair with Stop.
func (s *RefreshScheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop halts the schedule loop and waits for an in-progress refresh.
func (s *RefreshScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *RefreshScheduler) run(ctx context.Context) {
	defer close(s.done)
	for {
		next := s.schedule.Next(time.Now().UTC())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := s.RefreshAll(ctx); err != nil {
			s.logger.Warn("scheduled catalog refresh failed", "error", err)
		}
	}
}

// RefreshAll discovers every configured server's catalog, bounded by the
// scheduler's concurrency. Individual server failures are logged and do not
// stop the others; the first error is returned after all finish.
func (s *RefreshScheduler) RefreshAll(ctx context.Context) error {
	servers := s.servers
	if len(servers) == 0 {
		if lister, ok := s.gateway.transport.(interface{ ServerIDs() []string }); ok {
			servers = lister.ServerIDs()
		}
	}
	if len(servers) == 0 {
		return nil
	}

	var group errgroup.Group
	group.SetLimit(s.concurrency)
	for _, serverID := range servers {
		group.Go(func() error {
			added, skipped, err := s.gateway.Discover(ctx, serverID)
			if err != nil {
				s.logger.Warn("catalog refresh failed",
					"server_id", serverID,
					"error", err)
				return err
			}
			s.logger.Info("catalog refreshed",
				"server_id", serverID,
				"added", added,
				"skipped", skipped)
			return nil
		})
	}
	return group.Wait()
}

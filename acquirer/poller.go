package acquirer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/exp/slog"
)

// Poller periodically refreshes pending server-to-server payments.
type Poller struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

func NewPoller(logger *slog.Logger, svc *Service, interval time.Duration) (*Poller, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	logger = logger.With(slog.String("component", "poller"))

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			n, err := svc.PollPending(ctx)
			if err != nil && !errors.Is(err, ErrRESTDisabled) {
				logger.Error("polling pending payments", "err", err)
				return
			}
			if n > 0 {
				logger.Info("pending payments updated", slog.Int("count", n))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("scheduling poll job: %w", err)
	}

	return &Poller{scheduler: s, logger: logger}, nil
}

func (p *Poller) Start() {
	p.scheduler.Start()
	p.logger.Info("poller started")
}

func (p *Poller) Shutdown() error {
	return p.scheduler.Shutdown()
}

package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/IamMattHenry/salemate-notify/internal/store"
	"github.com/IamMattHenry/salemate-notify/pkg/logger"
)

const (
	defaultRetentionDays = 90
	defaultPruneSpec     = "@daily"
)

// Pruner enforces the notification retention policy: rows older than the
// retention window are removed, together with their read records, on a cron
// schedule. Read state is never touched for retained rows.
type Pruner struct {
	store     *store.Store
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	retention int
	schedule  string
}

// Option customises the Pruner.
type Option func(*Pruner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(p *Pruner) {
		if c != nil {
			p.cron = c
		}
	}
}

// WithNow overrides the clock used for retention comparisons.
func WithNow(now func() time.Time) Option {
	return func(p *Pruner) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRetentionDays adjusts how long notifications are retained.
func WithRetentionDays(days int) Option {
	return func(p *Pruner) {
		if days > 0 {
			p.retention = days
		}
	}
}

// WithSchedule overrides the cron specification for pruning.
func WithSchedule(spec string) Option {
	return func(p *Pruner) {
		if spec != "" {
			p.schedule = spec
		}
	}
}

// NewPruner constructs a Pruner with sensible defaults.
func NewPruner(st *store.Store, opts ...Option) *Pruner {
	pruner := &Pruner{
		store:     st,
		now:       time.Now,
		retention: defaultRetentionDays,
		schedule:  defaultPruneSpec,
		log:       logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(pruner)
	}

	if pruner.cron == nil {
		pruner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return pruner
}

// Start registers the prune job with the cron scheduler and launches it.
func (p *Pruner) Start() error {
	if p.store == nil {
		return nil
	}

	if _, err := p.cron.AddFunc(p.schedule, func() {
		if err := p.RunOnce(context.Background()); err != nil {
			p.log.Warn("notification prune failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	p.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (p *Pruner) Stop() context.Context {
	if p.cron == nil {
		return context.Background()
	}
	return p.cron.Stop()
}

// RunOnce executes the prune immediately. Used in tests and during graceful shutdown.
func (p *Pruner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if p.store != nil && p.retention > 0 {
		cutoff := p.now().UTC().AddDate(0, 0, -p.retention)
		removed, err := p.store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else if removed > 0 {
			p.log.Info("pruned notifications",
				zap.Int64("removed", removed),
				zap.Time("cutoff", cutoff),
			)
		}
	}

	return errs
}

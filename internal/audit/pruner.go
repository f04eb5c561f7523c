package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultPruneSchedule runs retention pruning daily at 03:17.
const DefaultPruneSchedule = "17 3 * * *"

// cronParser accepts standard 5-field expressions and descriptors such as @daily.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Pruner 按 cron 计划删除超过保留期的审计记录
// Pruner deletes audit rows older than the retention window on a cron schedule
type Pruner struct {
	store     *Store
	retention time.Duration
	schedule  cron.Schedule
	cron      *cron.Cron
	now       func() time.Time
	logger    zerolog.Logger
}

// NewPruner validates schedule; an empty schedule uses DefaultPruneSchedule.
// retentionDays <= 0 disables pruning.
func NewPruner(store *Store, retentionDays int, schedule string, logger zerolog.Logger) (*Pruner, error) {
	if store == nil {
		return nil, errNoStore
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("audit: parse prune schedule %q: %w", schedule, err)
	}
	return &Pruner{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		schedule:  sched,
		now:       time.Now,
		logger:    logger.With().Str("component", "audit-pruner").Logger(),
	}, nil
}

// Next reports the next scheduled run after t.
func (p *Pruner) Next(t time.Time) time.Time {
	return p.schedule.Next(t)
}

// RunOnce prunes immediately.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("audit records pruned")
	}
	return n, nil
}

// Start schedules pruning until ctx ends or Stop is called.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 || p.cron != nil {
		return
	}
	p.cron = cron.New(cron.WithParser(cronParser))
	p.cron.Schedule(p.schedule, cron.FuncJob(func() {
		if _, err := p.RunOnce(ctx); err != nil {
			p.logger.Error().Err(err).Msg("audit prune failed")
		}
	}))
	p.cron.Start()
	go func() {
		<-ctx.Done()
		p.Stop()
	}()
}

// Stop halts the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
}

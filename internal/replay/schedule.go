package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dwizi/agent-gate/internal/gateerr"
)

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron expression and returns its next run time.
func ParseSchedule(cronExpr string, from time.Time) (time.Time, error) {
	cronExpr = strings.TrimSpace(cronExpr)
	if cronExpr == "" {
		return time.Time{}, fmt.Errorf("empty cron expression")
	}
	spec, err := scheduleParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression: %w", err)
	}
	return spec.Next(from), nil
}

// Scheduler runs the replay job on a cron schedule until the context ends.
type Scheduler struct {
	job      *Job
	cronExpr string
}

func NewScheduler(job *Job, cronExpr string) (*Scheduler, error) {
	if _, err := ParseSchedule(cronExpr, time.Now().UTC()); err != nil {
		return nil, err
	}
	return &Scheduler{job: job, cronExpr: strings.TrimSpace(cronExpr)}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	spec, err := scheduleParser.Parse(s.cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression: %w", err)
	}
	s.job.logger.Info("replay scheduler started", "schedule", s.cronExpr)
	for {
		next := spec.Next(time.Now().UTC())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.job.logger.Info("replay scheduler stopped")
			return nil
		case <-timer.C:
		}

		if _, err := s.job.Run(ctx); err != nil {
			if errors.Is(err, gateerr.ErrBatchTooSmall) {
				s.job.logger.Info("scheduled replay skipped", "reason", err.Error())
				continue
			}
			s.job.logger.Error("scheduled replay failed", "error", err)
		}
	}
}

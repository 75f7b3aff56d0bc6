package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dwizi/agent-gate/internal/heartbeat"
)

func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("agent-gate runtime starting", "addr", r.cfg.HTTPAddr, "db_path", r.cfg.DBPath)
	if r.heartbeat != nil {
		r.heartbeat.Beat(heartbeat.ComponentGate, "decision path ready")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runMonitored(groupCtx, r.reporter(), heartbeat.ComponentNotify, 20*time.Second, func(runCtx context.Context) error {
			return r.dispatcher.Start(runCtx)
		})
	})
	group.Go(func() error {
		return runMonitored(groupCtx, r.reporter(), heartbeat.ComponentApprovalSweep, 20*time.Second, func(runCtx context.Context) error {
			return r.approvals.StartSweeper(runCtx)
		})
	})
	group.Go(func() error {
		return runMonitored(groupCtx, r.reporter(), heartbeat.ComponentAuditRetention, 20*time.Second, func(runCtx context.Context) error {
			return r.auditLog.StartRetention(runCtx)
		})
	})
	if r.replaySch != nil {
		group.Go(func() error {
			return runMonitored(groupCtx, r.reporter(), heartbeat.ComponentReplay, 20*time.Second, func(runCtx context.Context) error {
				return r.replaySch.Start(runCtx)
			})
		})
	} else if r.heartbeat != nil {
		r.heartbeat.Disabled(heartbeat.ComponentReplay, "replay disabled by configuration")
	}
	if r.policy != nil {
		group.Go(func() error {
			return runMonitored(groupCtx, r.reporter(), heartbeat.ComponentPolicyWatcher, 0, func(runCtx context.Context) error {
				return r.policy.Start(runCtx)
			})
		})
	} else if r.heartbeat != nil {
		r.heartbeat.Disabled(heartbeat.ComponentPolicyWatcher, "no policy file configured")
	}
	group.Go(func() error {
		return runMonitored(groupCtx, r.reporter(), heartbeat.ComponentAPI, 20*time.Second, func(runCtx context.Context) error {
			err := r.httpServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	})
	if r.heartbeatMonitor != nil {
		group.Go(func() error {
			return r.heartbeatMonitor.Start(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return r.httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// reporter returns a nil interface when heartbeats are disabled, so
// runMonitored's nil checks stay meaningful.
func (r *Runtime) reporter() heartbeat.Reporter {
	if r.heartbeat == nil {
		return nil
	}
	return r.heartbeat
}

func runMonitored(
	ctx context.Context,
	reporter heartbeat.Reporter,
	component string,
	beatInterval time.Duration,
	run func(context.Context) error,
) error {
	if run == nil {
		return nil
	}
	if reporter != nil {
		reporter.Starting(component, "starting")
		reporter.Beat(component, "running")
	}

	var stopHeartbeat func()
	if reporter != nil && beatInterval > 0 {
		heartbeatCtx, cancel := context.WithCancel(ctx)
		stopHeartbeat = cancel
		go func() {
			ticker := time.NewTicker(beatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-heartbeatCtx.Done():
					return
				case <-ticker.C:
					reporter.Beat(component, "running")
				}
			}
		}()
	}

	err := run(ctx)
	if stopHeartbeat != nil {
		stopHeartbeat()
	}
	if reporter == nil {
		return err
	}
	if err != nil && ctx.Err() == nil {
		reporter.Degrade(component, "component failed", err)
		return err
	}
	reporter.Stopped(component, "stopped")
	return err
}

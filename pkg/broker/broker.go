// Package broker is the process-wide singleton: it owns the Pool, the
// Repository, the helper extensions, and a registry of active Run
// Managers, and is the entry point the HTTP transport (pkg/httpapi)
// drives. Grounded on the shape of the original Python Broker
// (loadsbroker/broker.py: one EC2Pool, one Database, run_test/run_strategy
// spawning a coroutine per Run) translated to one goroutine per Run
// Manager instead of one coroutine per Run, per SPEC_FULL.md §5.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mozilla-services/loadbroker/pkg/api"
	"github.com/mozilla-services/loadbroker/pkg/config"
	"github.com/mozilla-services/loadbroker/pkg/logging"
	"github.com/mozilla-services/loadbroker/pkg/model"
	"github.com/mozilla-services/loadbroker/pkg/pool"
	"github.com/mozilla-services/loadbroker/pkg/registry"
	"github.com/mozilla-services/loadbroker/pkg/runmanager"
)

// ErrUnknownPlan is returned by RunPlan for a plan uuid the Repository
// cannot find.
var ErrUnknownPlan = fmt.Errorf("broker: unknown plan")

// ErrUnknownRun is returned by Abort for a run uuid not tracked by the
// broker as live. PurgeRun ignores it.
var ErrUnknownRun = fmt.Errorf("broker: unknown run")

// ErrRunNotLive names the condition of a Run already Completed. Abort does
// not return it: a Run leaves the live registry once it completes, so Abort
// reports it as ErrUnknownRun.
var ErrRunNotLive = fmt.Errorf("broker: run is not live")

// Broker is the process-wide orchestrator singleton.
type Broker struct {
	cfg      config.EnvConfig
	repo     api.Repository
	pool     *pool.Pool
	registry *registry.Registry
	host     api.ContainerHost
	shell    api.RemoteShell
	exts     []api.Extension

	mu      sync.Mutex
	running map[string]*runmanager.Manager
}

// New constructs a Broker. The Pool and Registry are expected to already
// be populated/populating (cmd/serve.go wires startup order: Registry
// first, then Pool, then Broker).
func New(cfg config.EnvConfig, repo api.Repository, p *pool.Pool, reg *registry.Registry, host api.ContainerHost, shell api.RemoteShell, exts []api.Extension) *Broker {
	return &Broker{
		cfg:      cfg,
		repo:     repo,
		pool:     p,
		registry: reg,
		host:     host,
		shell:    shell,
		exts:     exts,
		running:  make(map[string]*runmanager.Manager),
	}
}

func (b *Broker) managerConfig() runmanager.Config {
	return runmanager.Config{
		PollInterval:              b.cfg.PollInterval(),
		WaitRunningTimeout:        b.cfg.WaitRunningTimeout(),
		ContainerHostReadyTimeout: b.cfg.ContainerHostReadyTimeout(),
	}
}

// RunPlan loads the named Plan, creates a fresh Run, and launches a Run
// Manager for it in the background (spec §2's "Broker receives
// runPlan(planId, env)"). It blocks on the Pool's readiness first, per
// DESIGN.md's resolution of the corresponding Open Question.
func (b *Broker) RunPlan(ctx context.Context, planUUID, owner string, env map[string]string) (*model.Run, error) {
	select {
	case <-b.pool.Ready():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	plan, err := b.repo.LoadPlanWithSteps(ctx, planUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, planUUID)
	}

	merged := mergeEnv(env)
	merged["BROKER_VERSION"] = b.cfg.BrokerVersion

	run, err := b.repo.NewRun(ctx, plan, owner, merged)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	b.launch(run, plan, nil)
	return run, nil
}

// launch builds a Run Manager and drives it to completion on its own
// goroutine, registering it under Run.UUID so Abort/QueryRun can reach it
// while it is live.
func (b *Broker) launch(run *model.Run, plan *model.Plan, existingRecords []*model.StepRecord) {
	mgr := runmanager.New(run, plan, b.pool, b.repo, b.host, b.shell, b.exts, b.managerConfig(), existingRecords)

	b.mu.Lock()
	b.running[run.UUID] = mgr
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.running, run.UUID)
			b.mu.Unlock()
		}()

		if err := mgr.RunToCompletion(context.Background()); err != nil {
			logging.S().Errorw("run failed during initialization", "run", run.UUID, "err", err)
		}
	}()
}

// Abort marks a live Run for cooperative shutdown at its next scheduling
// tick (spec §4.6 abort semantics). It is a no-op error if the run is not
// currently tracked as live (either unknown, or already Completed).
func (b *Broker) Abort(runUUID string) error {
	b.mu.Lock()
	mgr, ok := b.running[runUUID]
	b.mu.Unlock()
	if !ok {
		return ErrUnknownRun
	}
	mgr.Abort()
	return nil
}

// PurgeRun aborts a live Run (if any) and unconditionally deletes its
// record, per spec §6's `DELETE /api/run/{id}?purge=1` semantics ("must
// still succeed" even on a non-Completed Run).
func (b *Broker) PurgeRun(ctx context.Context, runUUID string) error {
	_ = b.Abort(runUUID) // ErrUnknownRun here just means it already finished.

	run := &model.Run{UUID: runUUID}
	return b.repo.Delete(ctx, run)
}

// Recover reconstructs Run Managers for every Run the Repository still
// shows as live (not Completed) after a broker restart, per spec §4.6's
// recovery note: instances the Pool recovered into (RunId, StepId) buckets
// are picked up here via allocateMissing=false in the reconstructed
// Manager's own initialize() call.
func (b *Broker) Recover(ctx context.Context) error {
	runs, err := b.repo.QueryRuns(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("listing runs for recovery: %w", err)
	}

	for _, run := range runs {
		if run.State == model.RunCompleted {
			continue
		}
		plan, err := b.repo.LoadPlanWithSteps(ctx, run.PlanID)
		if err != nil {
			logging.S().Errorw("recovering run: loading plan failed", "run", run.UUID, "plan", run.PlanID, "err", err)
			continue
		}
		records, err := b.repo.StepRecords(ctx, run.UUID)
		if err != nil {
			logging.S().Errorw("recovering run: loading step records failed", "run", run.UUID, "err", err)
			continue
		}
		logging.S().Infow("resuming run after restart", "run", run.UUID, "state", run.State)
		b.launch(run, plan, records)
	}
	return nil
}

// Instances returns every instance the Pool currently tracks as free,
// across every region, for the read-only /api/instances surface.
func (b *Broker) Instances() []*model.Instance {
	return b.pool.Snapshot()
}

// ReapIdle terminates every free instance in the Pool; exposed for the
// `DELETE /api/instances` surface and for process shutdown.
func (b *Broker) ReapIdle(ctx context.Context) error {
	return b.pool.ReapInstances(ctx)
}

// Shutdown aborts every live Run and waits up to timeout for their Run
// Managers to reach Completed, so an operator-initiated process shutdown
// releases instances back to the Pool rather than abandoning them tagged.
func (b *Broker) Shutdown(timeout time.Duration) {
	b.mu.Lock()
	managers := make([]*runmanager.Manager, 0, len(b.running))
	for _, mgr := range b.running {
		managers = append(managers, mgr)
	}
	b.mu.Unlock()

	for _, mgr := range managers {
		mgr.Abort()
	}

	deadline := time.After(timeout)
	for {
		b.mu.Lock()
		remaining := len(b.running)
		b.mu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-deadline:
			logging.S().Warnw("shutdown timed out waiting for runs to complete", "remaining", remaining)
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func mergeEnv(overrides map[string]string) map[string]string {
	out := make(map[string]string, len(overrides))
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

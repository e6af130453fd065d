// Package runmanager drives a single Run end-to-end: obtaining one
// Collection per Step from the Pool, launching Steps on schedule via their
// Step Links, detecting completion, and terminating.
package runmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/imdario/mergo"

	"github.com/mozilla-services/loadbroker/pkg/api"
	"github.com/mozilla-services/loadbroker/pkg/dnsmap"
	"github.com/mozilla-services/loadbroker/pkg/model"
	"github.com/mozilla-services/loadbroker/pkg/pool"
	"github.com/mozilla-services/loadbroker/pkg/rpc"
	"github.com/mozilla-services/loadbroker/pkg/steplink"
)

// Config bounds the Manager's timeouts and polling cadence (spec §5).
type Config struct {
	PollInterval              time.Duration
	WaitRunningTimeout         time.Duration
	ContainerHostReadyTimeout  time.Duration
}

// Manager drives one Run through Initializing -> Running -> Terminating ->
// Completed, per spec §4.6. Every exported method except Abort is intended
// to be called from the single goroutine running Run; Abort is the one
// method other goroutines (the HTTP handler) call concurrently.
type Manager struct {
	Run  *model.Run
	Plan *model.Plan

	pool  *pool.Pool
	repo  api.Repository
	host  api.ContainerHost
	shell api.RemoteShell
	exts  []api.Extension
	cfg   Config
	dns   *dnsmap.Map
	log   *rpc.OutputWriter

	links   []*steplink.Link
	linksBy map[string]*steplink.Link
	records map[string]*model.StepRecord

	abortOnce sync.Once
	abort     chan struct{}
}

// New constructs a Manager for a Run. existingRecords seeds the Manager
// with Step Records already persisted for this Run (the broker-restart
// recovery path of spec §4.6); pass nil for a freshly-created Run, in
// which case a fresh Step Record is created per Step.
func New(run *model.Run, plan *model.Plan, p *pool.Pool, repo api.Repository, host api.ContainerHost, shell api.RemoteShell, exts []api.Extension, cfg Config, existingRecords []*model.StepRecord) *Manager {
	records := make(map[string]*model.StepRecord, len(plan.Steps))
	for _, sr := range existingRecords {
		records[sr.StepUUID] = sr
	}
	for _, step := range plan.Steps {
		if _, ok := records[step.UUID]; !ok {
			records[step.UUID] = &model.StepRecord{StepUUID: step.UUID, CreatedAt: time.Now()}
		}
	}

	return &Manager{
		Run:     run,
		Plan:    plan,
		pool:    p,
		repo:    repo,
		host:    host,
		shell:   shell,
		exts:    exts,
		cfg:     cfg,
		dns:     dnsmap.New(),
		log:     rpc.Discard().With("run", run.UUID, "plan", plan.UUID),
		linksBy: make(map[string]*steplink.Link),
		records: records,
		abort:   make(chan struct{}),
	}
}

// Abort requests that the Run stop at the next scheduling tick (spec
// §4.6's cooperative abort semantics). Safe to call concurrently and more
// than once.
func (m *Manager) Abort() {
	m.abortOnce.Do(func() { close(m.abort) })
}

func (m *Manager) aborted() bool {
	select {
	case <-m.abort:
		return true
	default:
		return false
	}
}

// RunToCompletion executes initialize, the scheduling loop, and shutdown,
// guaranteeing cleanup runs even on initialization failure (spec §4.6's
// state machine diagram: cleanup on any exception path back to Completed).
func (m *Manager) RunToCompletion(ctx context.Context) error {
	if err := m.initialize(ctx); err != nil {
		m.cleanup(ctx, err)
		return err
	}

	m.loop(ctx)
	m.shutdown(ctx)
	return nil
}

func (m *Manager) transition(to model.RunState) {
	if !model.CanTransition(m.Run.State, to) {
		m.log.Errorw("illegal run state transition", "run", m.Run.UUID, "from", m.Run.State, "to", to)
		return
	}
	m.Run.State = to
}

// initialize requests one Collection per Step (fan-out, parallel), builds
// Step Links, waits for each Collection to be Running, waits for the
// container host on every instance (pruning non-responders), and pulls each
// Step's own image. Sidecar images are not pulled here.
type acquiredCollection struct {
	step model.Step
	coll *pool.Collection
}

func (m *Manager) initialize(ctx context.Context) error {
	results := make([]acquiredCollection, len(m.Plan.Steps))
	errs := make([]error, len(m.Plan.Steps))

	var wg sync.WaitGroup
	for i, step := range m.Plan.Steps {
		i, step := i, step
		wg.Add(1)
		go func() {
			defer wg.Done()
			record := m.recordFor(step.UUID)
			allocateMissing := m.Run.StartedAt == nil || record.StartedAt == nil
			coll, err := m.pool.RequestInstances(ctx, m.Run.UUID, step.UUID, step.InstanceCount, step.InstanceType, step.InstanceRegion, m.Run.Owner, allocateMissing)
			if err != nil {
				errs[i] = fmt.Errorf("requesting instances for step %s: %w", step.UUID, err)
				return
			}
			results[i] = acquiredCollection{step: step, coll: coll}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			m.releaseAcquired(ctx, results)
			return err
		}
		_ = i
	}

	for _, a := range results {
		link := &steplink.Link{
			Step:       a.step,
			Record:     m.recordFor(a.step.UUID),
			Collection: a.coll,
			Host:       m.host,
			Shell:      m.shell,
			DNS:        m.dns,
			RunEnv:     mergedEnv(m.Run.EnvironmentData, a.step.EnvironmentData),
		}
		m.links = append(m.links, link)
		m.linksBy[a.step.UUID] = link
	}

	var eg sync.WaitGroup
	initErrs := make([]error, len(m.links))
	for i, link := range m.links {
		i, link := i, link
		eg.Add(1)
		go func() {
			defer eg.Done()
			if err := m.initializeCollection(ctx, link); err != nil {
				initErrs[i] = err
			}
		}()
	}
	eg.Wait()

	for _, err := range initErrs {
		if err != nil {
			return err
		}
	}

	now := time.Now()
	m.transition(model.RunRunning)
	m.Run.StartedAt = &now
	m.persistRun(ctx)
	return nil
}

func (m *Manager) releaseAcquired(ctx context.Context, results []acquiredCollection) {
	for _, a := range results {
		if a.coll == nil {
			continue
		}
		if err := m.pool.ReleaseInstances(ctx, a.coll); err != nil {
			m.log.Warnw("releasing instances after init failure", "step", a.step.UUID, "err", err)
		}
	}
}

func (m *Manager) initializeCollection(ctx context.Context, link *steplink.Link) error {
	if err := link.Collection.WaitForRunning(ctx, 5*time.Second, m.cfg.WaitRunningTimeout); err != nil {
		return fmt.Errorf("waiting for instances running for step %s: %w", link.Step.UUID, err)
	}

	hosts := link.Collection.Hosts()
	var unready []*model.Instance
	for _, res := range m.host.WaitReady(ctx, hosts, 5*time.Second, m.cfg.ContainerHostReadyTimeout) {
		if res.Err != nil {
			m.log.Warnw("container host not ready, pruning", "host", res.Host, "err", res.Err)
			for _, inst := range link.Collection.Instances() {
				if inst.PublicIP == res.Host {
					unready = append(unready, inst)
				}
			}
		}
	}
	if err := link.Collection.RemoveInstances(ctx, unready); err != nil {
		m.log.Warnw("pruning unready instances", "step", link.Step.UUID, "err", err)
	}
	hosts = link.Collection.Hosts()

	for _, host := range hosts {
		if err := m.host.PullImage(ctx, host, link.Step.ContainerName); err != nil {
			m.log.Warnw("pulling step image failed", "step", link.Step.UUID, "host", host, "err", err)
		}
	}
	return nil
}

// recordFor returns the single Step Record for a Step, seeded once in New
// and shared by every caller (the allocateMissing decision in initialize's
// RequestInstances fan-out, and the steplink.Link built from the same
// Step afterward), so both agree on whether this is a resumed Step.
func (m *Manager) recordFor(stepUUID string) *model.StepRecord {
	return m.records[stepUUID]
}

// loop is the scheduling core (spec §4.6 _run). It returns once every
// Step Link has both started and finished, or abort is observed.
func (m *Manager) loop(ctx context.Context) {
	for {
		if m.aborted() {
			return
		}

		allStarted, allFinished := true, true
		for _, link := range m.links {
			if link.Record.StartedAt == nil {
				allStarted = false
			}
			if link.Record.CompletedAt == nil {
				allFinished = false
			}
		}
		if allStarted && allFinished {
			return
		}

		m.checkDone(ctx)
		m.startEligible(ctx)
		m.persistStepRecords(ctx)

		select {
		case <-time.After(m.cfg.PollInterval):
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) checkDone(ctx context.Context) {
	var live []*steplink.Link
	for _, link := range m.links {
		if link.Record.StartedAt != nil && link.Record.CompletedAt == nil {
			live = append(live, link)
		}
	}

	done := make([]bool, len(live))
	var wg sync.WaitGroup
	for i, link := range live {
		i, link := i, link
		wg.Add(1)
		go func() {
			defer wg.Done()
			done[i] = link.IsDone(ctx)
		}()
	}
	wg.Wait()

	for i, link := range live {
		if !done[i] {
			continue
		}
		if err := link.Stop(ctx); err != nil {
			m.log.Errorw("step stop failed", "step", link.Step.UUID, "err", err)
		}
		for _, ext := range m.exts {
			if err := ext.StepStopped(ctx, m.Run.UUID, &link.Step); err != nil {
				m.log.Warnw("extension StepStopped failed", "extension", ext.Name(), "err", err)
			}
		}
	}
}

// startEligible starts every Step Link whose should_start predicate fires,
// sorted ascending by run_delay and started strictly sequentially so DNS
// information accumulates deterministically (spec §4.6 step 5, §5's
// ordering guarantee).
func (m *Manager) startEligible(ctx context.Context) {
	now := time.Now()
	var candidates []*steplink.Link
	for _, link := range m.links {
		if link.ShouldStart(*m.Run.StartedAt, now) {
			candidates = append(candidates, link)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Step.RunDelay < candidates[j].Step.RunDelay
	})

	for _, link := range candidates {
		if err := link.Start(ctx); err != nil {
			link.Record.Failed = true
			m.log.Errorw("step start failed", "step", link.Step.UUID, "err", err)
			continue
		}
		for _, ext := range m.exts {
			if err := ext.StepStarted(ctx, m.Run.UUID, &link.Step, link.Collection.Hosts()); err != nil {
				m.log.Warnw("extension StepStarted failed", "extension", ext.Name(), "err", err)
			}
		}
	}
}

// shutdown stops every Step Link in parallel, transitions the Run to
// Completed, and records the abort flag.
func (m *Manager) shutdown(ctx context.Context) {
	m.transition(model.RunTerminating)
	m.persistRun(ctx)

	var wg sync.WaitGroup
	for _, link := range m.links {
		link := link
		wg.Add(1)
		go func() {
			defer wg.Done()
			if link.Record.CompletedAt == nil {
				_ = link.Stop(ctx)
			}
		}()
	}
	wg.Wait()

	now := time.Now()
	m.Run.Aborted = m.aborted()
	m.transition(model.RunCompleted)
	m.Run.CompletedAt = &now
	m.persistRun(ctx)
	m.persistStepRecords(ctx)

	m.releaseAll(ctx)
}

// cleanup handles the initialization-failure exception path: best-effort
// stop of every Step Link, unconditional release of every acquired
// Collection, and recording the Run as Completed+aborted regardless of
// whether release itself fails, so a release error never masks the
// original initialization error (spec §4.6 _cleanup).
func (m *Manager) cleanup(ctx context.Context, cause error) {
	var result *multierror.Error
	result = multierror.Append(result, cause)

	for _, link := range m.links {
		if err := link.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.releaseAll(ctx)

	now := time.Now()
	m.Run.Aborted = true
	m.transition(model.RunTerminating)
	m.transition(model.RunCompleted)
	m.Run.CompletedAt = &now
	m.persistRun(ctx)

	m.log.Errorw("run cleanup after initialization failure", "run", m.Run.UUID, "err", result.ErrorOrNil())
}

func (m *Manager) releaseAll(ctx context.Context) {
	for _, link := range m.links {
		if err := m.pool.ReleaseInstances(ctx, link.Collection); err != nil {
			m.log.Warnw("releasing collection", "step", link.Step.UUID, "err", err)
		}
	}
}

func (m *Manager) persistRun(ctx context.Context) {
	if m.repo == nil {
		return
	}
	if err := m.repo.Save(ctx, m.Run); err != nil {
		m.log.Errorw("persisting run", "run", m.Run.UUID, "err", err)
	}
}

func (m *Manager) persistStepRecords(ctx context.Context) {
	if m.repo == nil {
		return
	}
	for _, link := range m.links {
		if err := m.repo.SaveStepRecord(ctx, m.Run.UUID, link.Record); err != nil {
			m.log.Errorw("persisting step record", "step", link.Step.UUID, "err", err)
		}
	}
}

// mergedEnv layers a Step's own environment_data over its Run's, so a Step
// can override any individual variable without the Run having to repeat the
// rest.
func mergedEnv(runEnv, stepEnv map[string]string) map[string]string {
	out := make(map[string]string, len(runEnv)+len(stepEnv))
	for k, v := range runEnv {
		out[k] = v
	}
	if err := mergo.Merge(&out, map[string]string(stepEnv), mergo.WithOverride); err != nil {
		for k, v := range stepEnv {
			out[k] = v
		}
	}
	return out
}

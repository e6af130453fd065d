// Package pool implements the cross-region instance reservoir: recovery of
// tagged instances on boot, allocation and release of Collections, and
// reaping of idle instances.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mozilla-services/loadbroker/pkg/api"
	"github.com/mozilla-services/loadbroker/pkg/logging"
	"github.com/mozilla-services/loadbroker/pkg/model"
	"github.com/mozilla-services/loadbroker/pkg/registry"
)

// ErrInvalidRegion is returned by RequestInstances for an unrecognized region.
var ErrInvalidRegion = fmt.Errorf("pool: invalid region")

const tagRetryAttempts = 6
const tagRetryWait = time.Second

type recoveryKey struct {
	runID  string
	stepID string
}

// Pool is the broker's cross-region instance reservoir. All mutable state
// (free lists, recovery buckets) is guarded by mu, so RequestInstances/
// ReleaseInstances/ReapInstances may be called from several goroutines at
// once (the Run Manager requests one Collection per Step concurrently).
type Pool struct {
	brokerID      string
	owner         string
	keyPair       string
	securityGroup string
	staleAfter    time.Duration
	workers       int

	factory  api.CloudClientFactory
	registry *registry.Registry

	ready     chan struct{}
	readyOnce sync.Once

	mu        sync.Mutex
	free      map[model.Region][]*model.Instance
	recovered map[recoveryKey][]*model.Instance
}

// Config bundles the identity and limits a Pool needs beyond its IaaS
// handles.
type Config struct {
	BrokerID      string
	Owner         string
	KeyPair       string
	SecurityGroup string
	StaleAfter    time.Duration
	Workers       int
}

// New constructs a Pool and launches its startup recovery in the
// background; callers await readiness via Ready().
func New(ctx context.Context, factory api.CloudClientFactory, reg *registry.Registry, regions []model.Region, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 15
	}
	p := &Pool{
		brokerID:      cfg.BrokerID,
		owner:         cfg.Owner,
		keyPair:       cfg.KeyPair,
		securityGroup: cfg.SecurityGroup,
		staleAfter:    cfg.StaleAfter,
		workers:       cfg.Workers,
		factory:       factory,
		registry:      reg,
		ready:         make(chan struct{}),
		free:          make(map[model.Region][]*model.Instance),
		recovered:     make(map[recoveryKey][]*model.Instance),
	}

	go func() {
		if err := p.recover(ctx, regions); err != nil {
			logging.S().Errorw("pool recovery failed", "err", err)
		}
		p.readyOnce.Do(func() { close(p.ready) })
	}()

	return p
}

// Ready is closed once startup recovery has classified every existing
// tagged instance.
func (p *Pool) Ready() <-chan struct{} {
	return p.ready
}

func (p *Pool) nameTag() string {
	return model.NamePrefix(p.brokerID, p.owner)
}

// recover classifies every instance tagged with this broker's Name/Project
// pair: Terminated instances are skipped; allocated instances (carrying
// RunId+Uuid) go into a recovery bucket keyed by (RunId, StepId);
// everything else (including stale Pending) goes into the per-region free
// list. At most p.workers regions are queried at once.
func (p *Pool) recover(ctx context.Context, regions []model.Region) error {
	filter := api.InstanceFilter{Tags: map[string][]string{
		model.TagName:    {p.nameTag()},
		model.TagProject: {model.ProjectTagValue},
	}}

	now := time.Now()

	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make([]error, len(regions))
	sem := make(chan struct{}, p.workers)

	for i, region := range regions {
		i, region := i, region
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			client, err := p.factory.Client(ctx, region)
			if err != nil {
				errs[i] = fmt.Errorf("connecting to %s: %w", region, err)
				return
			}
			instances, err := client.DescribeInstances(ctx, filter)
			if err != nil {
				errs[i] = fmt.Errorf("recovering instances in %s: %w", region, err)
				return
			}

			mu.Lock()
			defer mu.Unlock()
			for _, inst := range instances {
				runID, hasRun := inst.Tags[model.TagRunID]
				stepID, hasStep := inst.Tags[model.TagUuid]
				if inst.State == model.InstanceTerminated {
					continue
				}
				if hasRun && hasStep && runID != "" && stepID != "" {
					key := recoveryKey{runID: runID, stepID: stepID}
					p.recovered[key] = append(p.recovered[key], inst)
					continue
				}
				p.free[region] = append(p.free[region], inst)
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// RequestInstances returns a Collection of up to count instances for
// (runID, stepID). If allocateMissing is false, only recovered/free
// instances are used and no new instances are created.
func (p *Pool) RequestInstances(ctx context.Context, runID, stepID string, count int, instanceType string, region model.Region, owner string, allocateMissing bool) (*Collection, error) {
	if !region.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRegion, region)
	}

	p.mu.Lock()
	key := recoveryKey{runID: runID, stepID: stepID}
	instances := p.recovered[key]
	delete(p.recovered, key)

	remaining := count - len(instances)
	if remaining > 0 {
		instances = append(instances, p.takeFromFreeList(region, instanceType, remaining)...)
	}
	p.mu.Unlock()

	remaining = count - len(instances)
	if remaining > 0 && allocateMissing {
		client, err := p.factory.Client(ctx, region)
		if err != nil {
			return nil, err
		}
		imageID, err := p.registry.GetImage(region, instanceType)
		if err != nil {
			return nil, err
		}
		created, err := client.RunInstances(ctx, api.RunInstancesRequest{
			ImageID:       imageID,
			Count:         remaining,
			InstanceType:  instanceType,
			KeyPair:       p.keyPair,
			SecurityGroup: p.securityGroup,
		})
		if err != nil {
			return nil, fmt.Errorf("allocating %d instances for step %s: %w", remaining, stepID, err)
		}
		instances = append(instances, created...)
	}

	if len(instances) > 0 {
		tags := map[string]string{
			model.TagName:    p.nameTag(),
			model.TagProject: model.ProjectTagValue,
			model.TagRunID:   runID,
			model.TagUuid:    stepID,
		}
		if owner != "" {
			tags[model.TagOwner] = owner
		}
		ids := make([]string, len(instances))
		for i, inst := range instances {
			ids[i] = inst.ID
			inst.Tags = mergeTags(inst.Tags, tags)
		}
		client, err := p.factory.Client(ctx, region)
		if err != nil {
			return nil, err
		}
		if err := tagWithRetry(ctx, client, ids, tags); err != nil {
			return nil, fmt.Errorf("tagging allocated instances for step %s: %w", stepID, err)
		}
	}

	return &Collection{
		RunUUID:  runID,
		StepUUID: stepID,
		Region:   region,
		pool:     p,
		instances: instances,
		extState: make(map[string]*InstanceExtState, len(instances)),
	}, nil
}

// takeFromFreeList removes up to n available instances of the given type
// from the region's free list, leaving everything else in place. Must be
// called with p.mu held.
func (p *Pool) takeFromFreeList(region model.Region, instanceType string, n int) []*model.Instance {
	now := time.Now()
	list := p.free[region]
	var taken, remaining []*model.Instance
	for _, inst := range list {
		if len(taken) < n && inst.Type == instanceType && inst.Available(now, p.staleAfter) {
			taken = append(taken, inst)
			continue
		}
		remaining = append(remaining, inst)
	}
	p.free[region] = remaining
	return taken
}

func tagWithRetry(ctx context.Context, client api.CloudClient, ids []string, tags map[string]string) error {
	var err error
	for attempt := 0; attempt < tagRetryAttempts; attempt++ {
		if err = client.CreateTags(ctx, ids, tags); err == nil {
			return nil
		}
		select {
		case <-time.After(tagRetryWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// ReleaseInstances clears the RunId/Uuid tags on every instance in c and
// returns them to their region's free list.
func (p *Pool) ReleaseInstances(ctx context.Context, c *Collection) error {
	if len(c.instances) == 0 {
		return nil
	}

	client, err := p.factory.Client(ctx, c.Region)
	if err != nil {
		return err
	}

	ids := make([]string, len(c.instances))
	for i, inst := range c.instances {
		ids[i] = inst.ID
	}
	clearTags := map[string]string{model.TagRunID: "", model.TagUuid: ""}
	if err := client.CreateTags(ctx, ids, clearTags); err != nil {
		return fmt.Errorf("releasing instances for step %s: %w", c.StepUUID, err)
	}

	for _, inst := range c.instances {
		inst.Tags[model.TagRunID] = ""
		inst.Tags[model.TagUuid] = ""
	}

	p.mu.Lock()
	p.free[c.Region] = append(p.free[c.Region], c.instances...)
	p.mu.Unlock()
	return nil
}

// ReapInstances terminates every free instance across every region.
func (p *Pool) ReapInstances(ctx context.Context) error {
	p.mu.Lock()
	all := p.free
	p.free = make(map[model.Region][]*model.Instance)
	p.mu.Unlock()

	for region, instances := range all {
		if len(instances) == 0 {
			continue
		}
		client, err := p.factory.Client(ctx, region)
		if err != nil {
			return err
		}
		ids := make([]string, len(instances))
		for i, inst := range instances {
			ids[i] = inst.ID
		}
		if err := client.TerminateInstances(ctx, ids); err != nil {
			return fmt.Errorf("reaping instances in %s: %w", region, err)
		}
	}
	return nil
}

// Snapshot returns every instance currently held free across every region,
// for the read-only /api/instances surface (spec §6). Recovered and
// in-flight allocated instances are not included; they belong to a live
// Collection, not the Pool's own bookkeeping.
func (p *Pool) Snapshot() []*model.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*model.Instance
	for _, instances := range p.free {
		out = append(out, instances...)
	}
	return out
}

func mergeTags(existing, updates map[string]string) map[string]string {
	out := make(map[string]string, len(existing)+len(updates))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range updates {
		out[k] = v
	}
	return out
}

package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/mozilla-services/loadbroker/pkg/api"
	"github.com/mozilla-services/loadbroker/pkg/model"
)

// InstanceExtState is the per-instance extension scratchpad: a typed record
// of optional capability handles rather than an untyped attribute bag, per
// spec §9's "extension state bag" design note.
type InstanceExtState struct {
	ContainerHostReady bool
	ResolverIP         string
	NonResponsive      bool
}

// Collection is the ordered group of Instances allocated together for one
// Step, plus the per-instance extension state capabilities attach to it.
type Collection struct {
	RunUUID  string
	StepUUID string
	Region   model.Region

	pool *Pool

	mu        sync.Mutex
	instances []*model.Instance
	extState  map[string]*InstanceExtState // keyed by instance ID

	started  bool
	finished bool
}

// NewCollection builds a Collection directly from an instance list, for
// callers outside the Pool's own allocation path, such as tests. A
// Collection built this
// way proceeds best-effort (no IaaS calls) for any operation that would
// otherwise need the owning Pool's region client.
func NewCollection(runUUID, stepUUID string, region model.Region, instances []*model.Instance) *Collection {
	return &Collection{
		RunUUID:   runUUID,
		StepUUID:  stepUUID,
		Region:    region,
		instances: instances,
		extState:  make(map[string]*InstanceExtState, len(instances)),
	}
}

// Instances returns a snapshot of the Collection's current instance list.
func (c *Collection) Instances() []*model.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.Instance, len(c.instances))
	copy(out, c.instances)
	return out
}

// Hosts returns the public IPs of every instance, the address
// api.ContainerHost and api.RemoteShell operate on.
func (c *Collection) Hosts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.instances))
	for _, inst := range c.instances {
		if inst.PublicIP != "" {
			out = append(out, inst.PublicIP)
		}
	}
	return out
}

func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}

// MarkStarted flags the Collection as started (step 1 of the Step Link
// start procedure, spec §4.5).
func (c *Collection) MarkStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
}

func (c *Collection) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// MarkFinished flags the Collection as finished; is_done() short-circuits
// to true once this is set (spec §4.5).
func (c *Collection) MarkFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
}

func (c *Collection) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// ExtState returns (creating if absent) the extension state for one
// instance.
func (c *Collection) ExtState(instanceID string) *InstanceExtState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.extState[instanceID]
	if !ok {
		st = &InstanceExtState{}
		c.extState[instanceID] = st
	}
	return st
}

// Pending returns instances still in the Pending state.
func (c *Collection) Pending() []*model.Instance {
	return c.filter(func(i *model.Instance) bool { return i.State == model.InstancePending })
}

// Running returns instances in the Running state.
func (c *Collection) Running() []*model.Instance {
	return c.filter(func(i *model.Instance) bool { return i.State == model.InstanceRunning })
}

// Dead returns instances that are neither Running nor Pending, or that a
// capability has flagged non-responsive.
func (c *Collection) Dead() []*model.Instance {
	return c.filter(func(i *model.Instance) bool {
		if i.State != model.InstanceRunning && i.State != model.InstancePending {
			return true
		}
		// filter already holds c.mu, so read the map directly.
		st := c.extState[i.ID]
		return st != nil && st.NonResponsive
	})
}

func (c *Collection) filter(pred func(*model.Instance) bool) []*model.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*model.Instance
	for _, inst := range c.instances {
		if pred(inst) {
			out = append(out, inst)
		}
	}
	return out
}

// WaitForRunning polls Pending instances until every one reaches Running or
// the timeout elapses; stragglers are evicted via RemoveInstances.
func (c *Collection) WaitForRunning(ctx context.Context, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		pending := c.Pending()
		if len(pending) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return c.RemoveInstances(ctx, pending)
		}

		if c.pool == nil {
			// No owning Pool: no state refresh, only wait for the deadline.
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		region := c.Region
		client, err := c.pool.factory.Client(ctx, region)
		if err != nil {
			return err
		}
		ids := make([]string, len(pending))
		for i, inst := range pending {
			ids[i] = inst.ID
		}
		refreshed, err := client.DescribeInstances(ctx, api.InstanceFilter{})
		if err != nil {
			return fmt.Errorf("polling instance state: %w", err)
		}
		c.applyRefresh(refreshed)

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Collection) applyRefresh(refreshed []*model.Instance) {
	byID := make(map[string]*model.Instance, len(refreshed))
	for _, inst := range refreshed {
		byID[inst.ID] = inst
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, inst := range c.instances {
		if fresh, ok := byID[inst.ID]; ok {
			inst.State = fresh.State
			inst.PublicIP = fresh.PublicIP
			inst.PrivateIP = fresh.PrivateIP
		}
	}
}

// RemoveInstances clears RunId/Uuid tags and terminates the given
// instances, always proceeding to local removal even if the IaaS calls
// fail (best-effort per spec §4.3).
func (c *Collection) RemoveInstances(ctx context.Context, subset []*model.Instance) error {
	if len(subset) == 0 {
		return nil
	}

	ids := make([]string, len(subset))
	remove := make(map[string]bool, len(subset))
	for i, inst := range subset {
		ids[i] = inst.ID
		remove[inst.ID] = true
	}

	var result *multierror.Error
	if c.pool != nil {
		if client, err := c.pool.factory.Client(ctx, c.Region); err != nil {
			result = multierror.Append(result, err)
		} else {
			if err := client.CreateTags(ctx, ids, map[string]string{model.TagRunID: "", model.TagUuid: ""}); err != nil {
				result = multierror.Append(result, fmt.Errorf("untagging evicted instances: %w", err))
			}
			if err := client.TerminateInstances(ctx, ids); err != nil {
				result = multierror.Append(result, fmt.Errorf("terminating evicted instances: %w", err))
			}
		}
	}

	c.mu.Lock()
	var kept []*model.Instance
	for _, inst := range c.instances {
		if !remove[inst.ID] {
			kept = append(kept, inst)
		}
	}
	c.instances = kept
	c.mu.Unlock()

	return result.ErrorOrNil()
}

// MapResult pairs an instance with the outcome of one Map fan-out call.
type MapResult struct {
	Instance *model.Instance
	Value    interface{}
	Err      error
}

// Map invokes fn(instance) for every live instance, bounded by a worker
// pool sized to the instance count, optionally staggered by delay between
// launches, and returns results in instance order. This mirrors the
// teacher's bounded-semaphore fan-out idiom (cluster_k8s.go, local_docker.go)
// generalized from a fixed 30-slot semaphore to one sized per Collection,
// per spec §5 ("a Collection has its own worker pool sized to its instance
// count").
func (c *Collection) Map(ctx context.Context, fn func(context.Context, *model.Instance) (interface{}, error), delay time.Duration) []MapResult {
	instances := c.Running()
	results := make([]MapResult, len(instances))

	var wg sync.WaitGroup
	for i, inst := range instances {
		wg.Add(1)
		go func(i int, inst *model.Instance) {
			defer wg.Done()
			v, err := fn(ctx, inst)
			results[i] = MapResult{Instance: inst, Value: v, Err: err}
		}(i, inst)

		if delay > 0 && i < len(instances)-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
	}
	wg.Wait()
	return results
}

package pool

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/loadbroker/pkg/api"
	"github.com/mozilla-services/loadbroker/pkg/model"
	"github.com/mozilla-services/loadbroker/pkg/registry"
)

type fakeClient struct {
	mu        sync.Mutex
	instances []*model.Instance
	nextID    int
	images    []api.Image
}

func (f *fakeClient) DescribeInstances(ctx context.Context, filter api.InstanceFilter) ([]*model.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Instance
	for _, inst := range f.instances {
		if matchesFilter(inst, filter) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func matchesFilter(inst *model.Instance, filter api.InstanceFilter) bool {
	for k, vals := range filter.Tags {
		v, ok := inst.Tags[k]
		if !ok {
			return false
		}
		found := false
		for _, want := range vals {
			if v == want {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *fakeClient) RunInstances(ctx context.Context, req api.RunInstancesRequest) ([]*model.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Instance
	for i := 0; i < req.Count; i++ {
		f.nextID++
		id := "i-" + strconv.Itoa(f.nextID)
		inst := &model.Instance{
			ID:         id,
			Type:       req.InstanceType,
			State:      model.InstanceRunning,
			PublicIP:   id + ".example",
			LaunchTime: time.Now(),
			Tags:       map[string]string{},
		}
		f.instances = append(f.instances, inst)
		out = append(out, inst)
	}
	return out, nil
}

func (f *fakeClient) CreateTags(ctx context.Context, ids []string, tags map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, inst := range f.instances {
		if !want[inst.ID] {
			continue
		}
		for k, v := range tags {
			inst.Tags[k] = v
		}
	}
	return nil
}

func (f *fakeClient) TerminateInstances(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	var kept []*model.Instance
	for _, inst := range f.instances {
		if remove[inst.ID] {
			inst.State = model.InstanceTerminated
			continue
		}
		kept = append(kept, inst)
	}
	f.instances = kept
	return nil
}

func (f *fakeClient) DescribeImages(ctx context.Context, ownerID string) ([]api.Image, error) {
	return f.images, nil
}

type fakeFactory struct {
	client *fakeClient
}

func (f *fakeFactory) Client(ctx context.Context, region model.Region) (api.CloudClient, error) {
	return f.client, nil
}

func newTestPool(t *testing.T, client *fakeClient) *Pool {
	t.Helper()
	factory := &fakeFactory{client: client}
	if client.images == nil {
		client.images = []api.Image{{ID: "ami-test", Name: "test", VirtualizationType: "paravirtual"}}
	}
	reg, err := registry.New(context.Background(), factory, []model.Region{model.RegionUSWest2}, "owner")
	require.NoError(t, err)

	p := New(context.Background(), factory, reg, []model.Region{model.RegionUSWest2}, Config{
		BrokerID:   "test",
		KeyPair:    "kp",
		StaleAfter: 2 * time.Minute,
		Workers:    15,
	})
	select {
	case <-p.Ready():
	case <-time.After(time.Second):
		t.Fatal("pool did not become ready")
	}
	return p
}

func TestRequestInstancesAllocatesAndTags(t *testing.T) {
	client := &fakeClient{}
	p := newTestPool(t, client)

	c, err := p.RequestInstances(context.Background(), "run-1", "step-1", 2, "t1.micro", model.RegionUSWest2, "alice", true)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	for _, inst := range c.Instances() {
		require.Equal(t, "run-1", inst.Tags[model.TagRunID])
		require.Equal(t, "step-1", inst.Tags[model.TagUuid])
		require.Equal(t, "alice", inst.Tags[model.TagOwner])
		require.Equal(t, model.ProjectTagValue, inst.Tags[model.TagProject])
	}
}

func TestReleaseInstancesClearsTags(t *testing.T) {
	client := &fakeClient{}
	p := newTestPool(t, client)

	c, err := p.RequestInstances(context.Background(), "run-1", "step-1", 1, "t1.micro", model.RegionUSWest2, "", true)
	require.NoError(t, err)

	require.NoError(t, p.ReleaseInstances(context.Background(), c))

	for _, inst := range client.instances {
		require.Empty(t, inst.Tags[model.TagRunID], "invariant: released instance must not carry RunId")
		require.Empty(t, inst.Tags[model.TagUuid], "invariant: released instance must not carry Uuid")
	}
}

func TestRequestInstancesUnknownRegion(t *testing.T) {
	client := &fakeClient{}
	p := newTestPool(t, client)

	_, err := p.RequestInstances(context.Background(), "run-1", "step-1", 1, "t1.micro", model.Region("mars-1"), "", true)
	require.ErrorIs(t, err, ErrInvalidRegion)
}

func TestRecoveryBucketsAllocatedInstancesByRunAndStep(t *testing.T) {
	client := &fakeClient{instances: []*model.Instance{
		{
			ID: "i-100", State: model.InstanceRunning, LaunchTime: time.Now(),
			Tags: map[string]string{
				model.TagName: model.NamePrefix("test", ""), model.TagProject: model.ProjectTagValue,
				model.TagRunID: "run-9", model.TagUuid: "step-9",
			},
		},
		{
			ID: "i-101", State: model.InstanceRunning, LaunchTime: time.Now(),
			Tags: map[string]string{
				model.TagName: model.NamePrefix("test", ""), model.TagProject: model.ProjectTagValue,
			},
		},
	}}

	p := newTestPool(t, client)

	c, err := p.RequestInstances(context.Background(), "run-9", "step-9", 1, "t1.micro", model.RegionUSWest2, "", false)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())
	require.Equal(t, "i-100", c.Instances()[0].ID)
}

func TestStalePendingInstanceIsUnavailable(t *testing.T) {
	now := time.Now()
	inst := &model.Instance{State: model.InstancePending, LaunchTime: now.Add(-2 * time.Minute)}
	require.False(t, inst.Available(now, 2*time.Minute), "boundary: pending exactly 2 minutes goes unavailable")

	fresh := &model.Instance{State: model.InstancePending, LaunchTime: now.Add(-90 * time.Second)}
	require.True(t, fresh.Available(now, 2*time.Minute))
}

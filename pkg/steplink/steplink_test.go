package steplink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/loadbroker/pkg/api"
	"github.com/mozilla-services/loadbroker/pkg/dnsmap"
	"github.com/mozilla-services/loadbroker/pkg/model"
	"github.com/mozilla-services/loadbroker/pkg/pool"
)

type fakeHost struct {
	running map[string]bool
}

func (f *fakeHost) WaitReady(ctx context.Context, hosts []string, interval, timeout time.Duration) []api.HostResult {
	out := make([]api.HostResult, len(hosts))
	for i, h := range hosts {
		out[i] = api.HostResult{Host: h}
	}
	return out
}
func (f *fakeHost) HasImage(ctx context.Context, host, name string) (bool, error)    { return true, nil }
func (f *fakeHost) PullImage(ctx context.Context, host, name string) error           { return nil }
func (f *fakeHost) ImportImage(ctx context.Context, host, url string, shell api.RemoteShell) error {
	return nil
}
func (f *fakeHost) IsRunning(ctx context.Context, host, name string) (bool, error) {
	return f.running[host], nil
}
func (f *fakeHost) RunContainer(ctx context.Context, host string, req api.RunContainerRequest) error {
	if f.running == nil {
		f.running = make(map[string]bool)
	}
	f.running[host] = true
	return nil
}
func (f *fakeHost) StopContainer(ctx context.Context, host, name string, timeout time.Duration) error {
	if f.running != nil {
		f.running[host] = false
	}
	return nil
}
func (f *fakeHost) RunContainers(ctx context.Context, hosts []string, req api.RunContainerRequest, delay time.Duration) []api.HostResult {
	out := make([]api.HostResult, len(hosts))
	for i, h := range hosts {
		out[i] = api.HostResult{Host: h, Err: f.RunContainer(ctx, h, req)}
	}
	return out
}

type fakeShell struct{}

func (f *fakeShell) Connect(ctx context.Context, host string) error { return nil }
func (f *fakeShell) Upload(ctx context.Context, host string, data []byte, path string) error {
	return nil
}
func (f *fakeShell) Exec(ctx context.Context, host string, cmd string) (api.ExecResult, error) {
	return api.ExecResult{ExitStatus: 0}, nil
}
func (f *fakeShell) Close(host string) error { return nil }

func newLink(t *testing.T) (*Link, *fakeHost) {
	t.Helper()
	instances := []*model.Instance{
		{ID: "i-1", PublicIP: "1.1.1.1", PrivateIP: "10.0.0.1", State: model.InstanceRunning},
	}
	c := pool.NewCollection("run-1", "step-1", model.RegionUSWest2, instances)
	host := &fakeHost{}
	step := model.Step{
		UUID:          "step-1",
		ContainerName: "img:v1",
		RunMaxTime:    5,
	}
	link := &Link{
		Step:       step,
		Record:     &model.StepRecord{},
		Collection: c,
		Host:       host,
		Shell:      &fakeShell{},
		DNS:        dnsmap.New(),
		RunEnv:     map[string]string{},
	}
	return link, host
}

func TestShouldStartRespectsRunDelay(t *testing.T) {
	link, _ := newLink(t)
	link.Step.RunDelay = 10

	runStart := time.Now()
	require.False(t, link.ShouldStart(runStart, runStart.Add(5*time.Second)))
	require.True(t, link.ShouldStart(runStart, runStart.Add(10*time.Second)))
}

func TestStartThenIsDoneAfterContainerExits(t *testing.T) {
	link, host := newLink(t)
	ctx := context.Background()

	require.NoError(t, link.Start(ctx))
	require.NotNil(t, link.Record.StartedAt)
	require.False(t, link.IsDone(ctx), "container still running")

	require.NoError(t, host.StopContainer(ctx, "1.1.1.1", link.Step.ContainerName, time.Second))
	require.True(t, link.IsDone(ctx), "no instance still runs the container")
}

func TestIsDoneFalseBeforeStart(t *testing.T) {
	link, _ := newLink(t)
	require.False(t, link.IsDone(context.Background()))
}

func TestIsDoneTrueWhenMaxTimeElapsed(t *testing.T) {
	link, host := newLink(t)
	host.running = map[string]bool{"1.1.1.1": true}
	started := time.Now().Add(-10 * time.Second)
	link.Record.StartedAt = &started
	link.Step.RunMaxTime = 5

	require.True(t, link.IsDone(context.Background()))
}

func TestZeroInstanceStepIsImmediatelyDoneAfterStart(t *testing.T) {
	c := pool.NewCollection("run-1", "step-1", model.RegionUSWest2, nil)
	link := &Link{
		Step:       model.Step{UUID: "step-1", ContainerName: "img:v1"},
		Record:     &model.StepRecord{},
		Collection: c,
		Host:       &fakeHost{},
		Shell:      &fakeShell{},
		DNS:        dnsmap.New(),
	}

	require.NoError(t, link.Start(context.Background()))
	require.True(t, link.IsDone(context.Background()))
}

func TestStartImportsImageWhenContainerURLSet(t *testing.T) {
	link, host := newLink(t)
	link.Step.ContainerURL = "https://example.test/image.tar"

	require.NoError(t, link.Start(context.Background()))
	require.True(t, host.running["1.1.1.1"])
}

func TestStartFailsWhenContainerURLSetWithoutShell(t *testing.T) {
	link, _ := newLink(t)
	link.Step.ContainerURL = "https://example.test/image.tar"
	link.Shell = nil

	require.Error(t, link.Start(context.Background()))
}

func TestStartPublishesDNSName(t *testing.T) {
	link, _ := newLink(t)
	link.Step.DNSName = "backend"

	require.NoError(t, link.Start(context.Background()))
	snap := link.DNS.Snapshot()
	require.Equal(t, []string{"10.0.0.1"}, snap["backend"])
}

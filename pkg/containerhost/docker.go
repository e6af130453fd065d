// Package containerhost implements api.ContainerHost over the Docker
// Engine API, talking to the daemon listening on each instance's host.
package containerhost

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"

	"github.com/mozilla-services/loadbroker/pkg/api"
)

const inventoryTimeout = 10 * time.Second

// loadTestNofile raises the open-file limit inside every Step container;
// load generators routinely exhaust the Docker default of 1024.
const loadTestNofile = 65536

// Host implements api.ContainerHost by opening one Docker client per
// instance address, memoized for the lifetime of the process the same way
// the teacher memoizes its runner's single local client.
type Host struct {
	port string

	mu      sync.Mutex
	clients map[string]*client.Client
}

var _ api.ContainerHost = (*Host)(nil)

// New returns a ContainerHost that talks to the Docker daemon on each
// instance at host:port.
func New(port string) *Host {
	if port == "" {
		port = "2375"
	}
	return &Host{port: port, clients: make(map[string]*client.Client)}
}

func (h *Host) clientFor(host string) (*client.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cli, ok := h.clients[host]; ok {
		return cli, nil
	}
	cli, err := client.NewClientWithOpts(
		client.WithHost(fmt.Sprintf("tcp://%s:%s", host, h.port)),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to container daemon at %s: %w", host, err)
	}
	h.clients[host] = cli
	return cli, nil
}

// WaitReady polls every host's container daemon until it answers an
// inventory call (ContainerList). It returns one result per host, in input
// order; hosts that have not answered once the timeout elapses carry an
// error, so the caller can prune them.
func (h *Host) WaitReady(ctx context.Context, hosts []string, interval, timeout time.Duration) []api.HostResult {
	deadline := time.Now().Add(timeout)
	remaining := append([]string(nil), hosts...)
	results := make(map[string]error, len(hosts))

	for len(remaining) > 0 && time.Now().Before(deadline) {
		var stillWaiting []string
		for _, host := range remaining {
			if _, err := h.inventory(ctx, host); err != nil {
				stillWaiting = append(stillWaiting, host)
				continue
			}
			results[host] = nil
		}
		remaining = stillWaiting
		if len(remaining) == 0 {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			remaining = nil
		}
	}
	for _, host := range remaining {
		results[host] = fmt.Errorf("container daemon at %s did not become ready", host)
	}

	out := make([]api.HostResult, 0, len(hosts))
	for _, host := range hosts {
		out = append(out, api.HostResult{Host: host, Err: results[host]})
	}
	return out
}

func (h *Host) inventory(ctx context.Context, host string) ([]types.Container, error) {
	cli, err := h.clientFor(host)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, inventoryTimeout)
	defer cancel()
	return cli.ContainerList(ctx, types.ContainerListOptions{All: true})
}

func (h *Host) HasImage(ctx context.Context, host, name string) (bool, error) {
	cli, err := h.clientFor(host)
	if err != nil {
		return false, err
	}
	_, _, err = cli.ImageInspectWithRaw(ctx, name)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting image %s on %s: %w", name, host, err)
}

func (h *Host) PullImage(ctx context.Context, host, name string) error {
	cli, err := h.clientFor(host)
	if err != nil {
		return err
	}
	rc, err := cli.ImagePull(ctx, name, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s on %s: %w", name, host, err)
	}
	defer rc.Close()
	_, err = io.Copy(ioutil.Discard, rc)
	return err
}

// ImportImage loads an image tarball fetched via RemoteShell onto host,
// then imports it into the local Docker daemon (used when a Step's
// container_url points at an artifact rather than a registry name).
func (h *Host) ImportImage(ctx context.Context, host, url string, shell api.RemoteShell) error {
	const remotePath = "/tmp/loadbroker-image.tar"
	result, err := shell.Exec(ctx, host, "curl -sSL -o "+remotePath+" "+shellQuote(url))
	if err != nil {
		return fmt.Errorf("fetching image artifact on %s: %w", host, err)
	}
	if result.ExitStatus != 0 {
		return fmt.Errorf("fetching image artifact on %s: exit %d: %s", host, result.ExitStatus, result.Stderr)
	}
	result, err = shell.Exec(ctx, host, "docker load -i "+remotePath)
	if err != nil {
		return fmt.Errorf("loading image artifact on %s: %w", host, err)
	}
	if result.ExitStatus != 0 {
		return fmt.Errorf("loading image artifact on %s: exit %d: %s", host, result.ExitStatus, result.Stderr)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (h *Host) IsRunning(ctx context.Context, host, name string) (bool, error) {
	cli, err := h.clientFor(host)
	if err != nil {
		return false, err
	}
	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{
		Filters: filtersByName(name),
	})
	if err != nil {
		return false, fmt.Errorf("listing containers on %s: %w", host, err)
	}
	return len(containers) > 0, nil
}

func (h *Host) RunContainer(ctx context.Context, host string, req api.RunContainerRequest) error {
	cli, err := h.clientFor(host)
	if err != nil {
		return err
	}

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	ccfg := &container.Config{
		Image: req.Name,
		Env:   env,
		Cmd:   strings.Fields(req.Command),
	}

	hcfg := &container.HostConfig{
		DNS:             req.DNS,
		PublishAllPorts: true,
		Binds:           req.Volumes,
		Resources: container.Resources{
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: loadTestNofile, Hard: loadTestNofile},
			},
		},
	}
	if req.PidMode != "" {
		hcfg.PidMode = container.PidMode(req.PidMode)
	}
	if len(req.Ports) > 0 {
		exposed, bindings, err := toPortMap(req.Ports)
		if err != nil {
			return fmt.Errorf("parsing port mapping for %s on %s: %w", req.Name, host, err)
		}
		ccfg.ExposedPorts = exposed
		hcfg.PortBindings = bindings
	}

	res, err := cli.ContainerCreate(ctx, ccfg, hcfg, nil, containerName(req.Name))
	if err != nil {
		return fmt.Errorf("creating container %s on %s: %w", req.Name, host, err)
	}
	if err := cli.ContainerStart(ctx, res.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("starting container %s on %s: %w", req.Name, host, err)
	}
	return nil
}

func (h *Host) StopContainer(ctx context.Context, host, name string, timeout time.Duration) error {
	cli, err := h.clientFor(host)
	if err != nil {
		return err
	}
	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: filtersByName(name)})
	if err != nil {
		return fmt.Errorf("listing containers to stop on %s: %w", host, err)
	}

	var result *multierror.Error
	for _, c := range containers {
		t := timeout
		if err := cli.ContainerStop(ctx, c.ID, &t); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping %s on %s: %w", c.ID, host, err))
		}
		if err := cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			result = multierror.Append(result, fmt.Errorf("removing %s on %s: %w", c.ID, host, err))
		}
	}
	return result.ErrorOrNil()
}

// RunContainers fans out RunContainer across every host, optionally
// staggered by delay between launches; a per-host failure is reported in
// the result slice rather than aborting the fan-out, so the caller can mark
// that host non-responsive and proceed (spec §4.4).
func (h *Host) RunContainers(ctx context.Context, hosts []string, req api.RunContainerRequest, delay time.Duration) []api.HostResult {
	out := make([]api.HostResult, len(hosts))
	var wg sync.WaitGroup
	for i, host := range hosts {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			out[i] = api.HostResult{Host: host, Err: h.RunContainer(ctx, host, req)}
		}(i, host)

		if delay > 0 && i < len(hosts)-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
	}
	wg.Wait()
	return out
}

func filtersByName(name string) filters.Args {
	args := filters.NewArgs()
	// containerName replaces "/" and ":" in the image name; match that form.
	args.Add("name", strings.NewReplacer("/", "-", ":", "-").Replace(name))
	return args
}

func containerName(image string) string {
	return strings.NewReplacer("/", "-", ":", "-").Replace(image) + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

func toPortMap(mappings []string) (nat.PortSet, nat.PortMap, error) {
	exposed := make(nat.PortSet, len(mappings))
	bindings := make(nat.PortMap, len(mappings))
	for _, m := range mappings {
		parts := strings.SplitN(m, ":", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("invalid port mapping %q, want host:container", m)
		}
		port, err := nat.NewPort("tcp", parts[1])
		if err != nil {
			return nil, nil, err
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: parts[0]}}
	}
	return exposed, bindings, nil
}

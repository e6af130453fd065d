// Package steplink binds a Plan Step to its allocated Collection and its
// per-Run Step Record, owning the start/stop procedure and the completion
// predicate the Run Manager polls.
package steplink

import (
	"context"
	"fmt"
	"time"

	"github.com/mozilla-services/loadbroker/pkg/api"
	"github.com/mozilla-services/loadbroker/pkg/containerhost"
	"github.com/mozilla-services/loadbroker/pkg/dnsmap"
	"github.com/mozilla-services/loadbroker/pkg/logging"
	"github.com/mozilla-services/loadbroker/pkg/model"
	"github.com/mozilla-services/loadbroker/pkg/pool"
)

// Internal sidecar image names. Opaque to the user; these never come from
// Step definitions.
const (
	watcherImage       = "loadbroker/watcher:latest"
	metricsShipperImage = "loadbroker/metrics-shipper:latest"
	dnsResolverImage   = "loadbroker/dns-resolver:latest"

	sidecarStopTimeout = 10 * time.Second
)

// Link bundles a Step definition, its Step Record, and its allocated
// Collection, and drives the per-Step lifecycle described in spec §4.5.
type Link struct {
	Step       model.Step
	Record     *model.StepRecord
	Collection *pool.Collection

	Host  api.ContainerHost
	Shell api.RemoteShell
	DNS   *dnsmap.Map

	// RunEnv is the merged Run + Step environment, pre-interpolation.
	RunEnv map[string]string
}

// ShouldStart reports whether the Step is eligible to begin, per spec
// §4.5/§4.6: not yet started, and now >= run.started_at + step.run_delay.
func (l *Link) ShouldStart(runStartedAt, now time.Time) bool {
	return l.Record.ShouldStart(runStartedAt, l.Step, now)
}

// Start runs the ordered start procedure: mark the Collection started,
// reload kernel parameters, start base sidecars, then start the Step's own
// container with interpolated env/command/ports/volumes and node_delay
// stagger between instances.
func (l *Link) Start(ctx context.Context) error {
	l.Collection.MarkStarted()

	hosts := l.Collection.Hosts()
	if len(hosts) == 0 {
		now := time.Now()
		l.Record.StartedAt = &now
		return nil
	}

	l.reloadKernelParams(ctx, hosts)

	if err := l.startSidecars(ctx, hosts); err != nil {
		return fmt.Errorf("starting sidecars for step %s: %w", l.Step.UUID, err)
	}

	if err := l.startStepContainer(ctx, hosts); err != nil {
		return fmt.Errorf("starting container for step %s: %w", l.Step.UUID, err)
	}

	now := time.Now()
	l.Record.StartedAt = &now

	if l.Step.DNSName != "" {
		ips := make([]string, 0, len(hosts))
		for _, inst := range l.Collection.Instances() {
			if inst.PrivateIP != "" {
				ips = append(ips, inst.PrivateIP)
			}
		}
		l.DNS.Publish(l.Step.DNSName, ips)
	}
	return nil
}

func (l *Link) reloadKernelParams(ctx context.Context, hosts []string) {
	if l.Shell == nil {
		return
	}
	for _, host := range hosts {
		if _, err := l.Shell.Exec(ctx, host, "sysctl --system"); err != nil {
			logging.S().Warnw("reloading kernel params failed", "host", host, "err", err)
		}
	}
}

func (l *Link) startSidecars(ctx context.Context, hosts []string) error {
	watcherReq := api.RunContainerRequest{Name: watcherImage}
	for _, r := range l.Host.RunContainers(ctx, hosts, watcherReq, 0) {
		if r.Err != nil {
			l.markNonResponsive(r.Host)
		}
	}

	if !l.Step.IsMonitor {
		shipperReq := api.RunContainerRequest{Name: metricsShipperImage}
		for _, r := range l.Host.RunContainers(ctx, hosts, shipperReq, 0) {
			if r.Err != nil {
				l.markNonResponsive(r.Host)
			}
		}
	}

	snapshot := l.DNS.Snapshot()
	if len(snapshot) > 0 {
		resolverReq := api.RunContainerRequest{Name: dnsResolverImage, Env: flattenDNS(snapshot)}
		for _, r := range l.Host.RunContainers(ctx, hosts, resolverReq, 0) {
			if r.Err != nil {
				l.markNonResponsive(r.Host)
			}
		}
	}
	return nil
}

func (l *Link) startStepContainer(ctx context.Context, hosts []string) error {
	for i, host := range hosts {
		if l.Step.ContainerURL != "" {
			if l.Shell == nil {
				return fmt.Errorf("step %s has a container_url but no ssh shell is configured", l.Step.UUID)
			}
			if err := l.Host.ImportImage(ctx, host, l.Step.ContainerURL, l.Shell); err != nil {
				l.markNonResponsive(host)
				continue
			}
		}

		inst := l.instanceForHost(host)
		vars := containerhost.InstanceVars(inst.PublicIP, inst.PrivateIP)
		for k, v := range l.RunEnv {
			vars[k] = v
		}

		req := api.RunContainerRequest{
			Name:    l.Step.ContainerName,
			Command: containerhost.Interpolate(l.Step.AdditionalCommandArgs, vars),
			Env:     containerhost.InterpolateMap(l.RunEnv, vars),
			Volumes: l.Step.VolumeMapping,
			Ports:   l.Step.PortMapping,
		}
		if err := l.Host.RunContainer(ctx, host, req); err != nil {
			l.markNonResponsive(host)
		}

		if l.Step.NodeDelayDuration() > 0 && i < len(hosts)-1 {
			select {
			case <-time.After(l.Step.NodeDelayDuration()):
			case <-ctx.Done():
			}
		}
	}
	return nil
}

func (l *Link) instanceForHost(host string) *model.Instance {
	for _, inst := range l.Collection.Instances() {
		if inst.PublicIP == host {
			return inst
		}
	}
	return &model.Instance{}
}

func (l *Link) markNonResponsive(host string) {
	for _, inst := range l.Collection.Instances() {
		if inst.PublicIP == host {
			l.Collection.ExtState(inst.ID).NonResponsive = true
		}
	}
}

// Stop runs the reverse-order stop procedure: stop the Step container,
// stop sidecars, stop local DNS resolver if started, then prune dead
// instances from the Collection.
func (l *Link) Stop(ctx context.Context) error {
	hosts := l.Collection.Hosts()
	for _, host := range hosts {
		_ = l.Host.StopContainer(ctx, host, l.Step.ContainerName, sidecarStopTimeout)
	}
	for _, host := range hosts {
		_ = l.Host.StopContainer(ctx, host, metricsShipperImage, sidecarStopTimeout)
		_ = l.Host.StopContainer(ctx, host, dnsResolverImage, sidecarStopTimeout)
		_ = l.Host.StopContainer(ctx, host, watcherImage, sidecarStopTimeout)
	}

	dead := l.Collection.Dead()
	if len(dead) > 0 {
		if err := l.Collection.RemoveInstances(ctx, dead); err != nil {
			logging.S().Warnw("pruning dead instances during stop", "step", l.Step.UUID, "err", err)
		}
	}

	l.Collection.MarkFinished()
	now := time.Now()
	l.Record.CompletedAt = &now
	return nil
}

// IsDone evaluates the Step Link's completion predicate per spec §4.5.
func (l *Link) IsDone(ctx context.Context) bool {
	if l.Record.StartedAt == nil {
		return false
	}
	if l.Collection.Finished() {
		return true
	}

	anyRunning := false
	for _, host := range l.Collection.Hosts() {
		running, err := l.Host.IsRunning(ctx, host, l.Step.ContainerName)
		if err != nil {
			if l.Step.PruneRunning {
				l.markNonResponsive(host)
			}
			continue
		}
		if running {
			anyRunning = true
		}
	}
	if l.Step.PruneRunning {
		if dead := l.Collection.Dead(); len(dead) > 0 {
			_ = l.Collection.RemoveInstances(ctx, dead)
		}
	}
	if !anyRunning {
		return true
	}

	return l.Record.ShouldStop(l.Step, time.Now())
}

func flattenDNS(m map[string][]string) map[string]string {
	out := make(map[string]string, len(m))
	for name, ips := range m {
		joined := ""
		for i, ip := range ips {
			if i > 0 {
				joined += ","
			}
			joined += ip
		}
		out["DNS_"+name] = joined
	}
	return out
}

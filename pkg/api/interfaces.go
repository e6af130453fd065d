// Package api names the capabilities the broker expects from its
// collaborators: persistence, the cloud IaaS, remote shell access on an
// instance, and the per-instance container daemon. Concrete
// implementations live in pkg/repository, pkg/cloud, pkg/remoteshell, and
// pkg/containerhost; this package only fixes the contract.
package api

import (
	"context"
	"time"

	"github.com/mozilla-services/loadbroker/pkg/model"
)

// Repository persists Projects, Plans, Runs, and Step Records.
type Repository interface {
	LoadPlanWithSteps(ctx context.Context, uuid string) (*model.Plan, error)
	NewRun(ctx context.Context, plan *model.Plan, owner string, env map[string]string) (*model.Run, error)
	Save(ctx context.Context, entity interface{}) error
	QueryRuns(ctx context.Context, limit, offset int) ([]*model.Run, error)
	QueryRun(ctx context.Context, uuid string) (*model.Run, error)
	Delete(ctx context.Context, entity interface{}) error

	SaveProject(ctx context.Context, p *model.Project) error
	QueryProjects(ctx context.Context) ([]*model.Project, error)
	QueryProject(ctx context.Context, uuid string) (*model.Project, error)
	DeleteProject(ctx context.Context, uuid string) error

	SavePlan(ctx context.Context, p *model.Plan) error
	QueryPlan(ctx context.Context, uuid string) (*model.Plan, error)
	DeletePlan(ctx context.Context, uuid string) error
	PlansByProject(ctx context.Context, projectUUID string) ([]*model.Plan, error)

	StepRecords(ctx context.Context, runUUID string) ([]*model.StepRecord, error)
	SaveStepRecord(ctx context.Context, runUUID string, sr *model.StepRecord) error
}

// InstanceFilter narrows a DescribeInstances call to instances carrying
// the given tag values: every key present must match one of its values.
// Omit a key to leave it unfiltered.
type InstanceFilter struct {
	Tags map[string][]string
}

// RunInstancesRequest describes a batch of identical instances to create.
type RunInstancesRequest struct {
	ImageID         string
	Count           int
	InstanceType    string
	KeyPair         string
	SecurityGroup   string
	UserData        string
}

// Image is a minimal IaaS machine image record, as returned by
// DescribeImages.
type Image struct {
	ID               string
	Name             string
	VirtualizationType string
	OwnerID          string
}

// CloudClient is a thin per-region adapter to the IaaS control plane.
type CloudClient interface {
	DescribeInstances(ctx context.Context, filter InstanceFilter) ([]*model.Instance, error)
	RunInstances(ctx context.Context, req RunInstancesRequest) ([]*model.Instance, error)
	CreateTags(ctx context.Context, ids []string, tags map[string]string) error
	TerminateInstances(ctx context.Context, ids []string) error
	DescribeImages(ctx context.Context, ownerID string) ([]Image, error)
}

// CloudClientFactory memoizes one CloudClient per region.
type CloudClientFactory interface {
	Client(ctx context.Context, region model.Region) (CloudClient, error)
}

// ExecResult is the outcome of a RemoteShell.Exec call.
type ExecResult struct {
	ExitStatus int
	Stdout     string
	Stderr     string
}

// RemoteShell pushes files to, and runs commands on, a single instance over
// an interactive transport (SSH in the reference implementation).
type RemoteShell interface {
	Connect(ctx context.Context, host string) error
	Upload(ctx context.Context, host string, data []byte, path string) error
	Exec(ctx context.Context, host string, cmd string) (ExecResult, error)
	Close(host string) error
}

// RunContainerRequest describes one container launch on a single instance.
type RunContainerRequest struct {
	Name     string
	Command  string
	Env      map[string]string
	Volumes  []string
	Ports    []string
	DNS      []string
	PidMode  string
}

// HostResult pairs an instance's address with the outcome of a per-host
// fan-out call, so callers can tell which hosts to prune without the
// capability needing to know about Collections.
type HostResult struct {
	Host string
	Err  error
}

// ContainerHost is the per-instance container daemon capability, attached
// to each Instance as extension state. It operates over plain host address
// lists rather than pkg/pool's Collection type, so this package stays free
// of a dependency on the Pool's allocation machinery; pkg/steplink adapts
// between the two.
type ContainerHost interface {
	WaitReady(ctx context.Context, hosts []string, interval, timeout time.Duration) []HostResult
	HasImage(ctx context.Context, host, name string) (bool, error)
	PullImage(ctx context.Context, host, name string) error
	ImportImage(ctx context.Context, host, url string, shell RemoteShell) error
	IsRunning(ctx context.Context, host, name string) (bool, error)
	RunContainer(ctx context.Context, host string, req RunContainerRequest) error
	StopContainer(ctx context.Context, host, name string, timeout time.Duration) error
	RunContainers(ctx context.Context, hosts []string, req RunContainerRequest, delay time.Duration) []HostResult
}

// Extension is an optional capability the Run Manager invokes around each
// Step's lifecycle (metrics sinks, log forwarders) without depending on its
// internals.
type Extension interface {
	Name() string
	StepStarted(ctx context.Context, runUUID string, step *model.Step, hosts []string) error
	StepStopped(ctx context.Context, runUUID string, step *model.Step) error
}

// Package model defines the entities that make up a load test: Projects,
// Plans, Steps, Runs, and the runtime records that track a Run's progress.
package model

import (
	"time"
)

// Region is one of the supported cloud regions a Step's instances may run in.
type Region string

const (
	RegionUSEast1      Region = "us-east-1"
	RegionUSWest1      Region = "us-west-1"
	RegionUSWest2      Region = "us-west-2"
	RegionEUWest1      Region = "eu-west-1"
	RegionAPNortheast1 Region = "ap-northeast-1"
	RegionAPSoutheast1 Region = "ap-southeast-1"
	RegionAPSoutheast2 Region = "ap-southeast-2"
	RegionSAEast1      Region = "sa-east-1"
)

// Regions lists every region the broker knows how to allocate instances in.
var Regions = []Region{
	RegionUSEast1, RegionUSWest1, RegionUSWest2, RegionEUWest1,
	RegionAPNortheast1, RegionAPSoutheast1, RegionAPSoutheast2, RegionSAEast1,
}

func (r Region) Valid() bool {
	for _, v := range Regions {
		if v == r {
			return true
		}
	}
	return false
}

// Project is a named grouping that owns many Plans.
type Project struct {
	UUID string `json:"uuid" toml:"uuid"`
	Name string `json:"name" toml:"name"`
}

// Plan is an immutable, re-runnable test description.
type Plan struct {
	UUID      string `json:"uuid" toml:"uuid"`
	ProjectID string `json:"project_id" toml:"-"`
	Name      string `json:"name" toml:"name"`
	Enabled   bool   `json:"enabled" toml:"enabled"`
	Steps     []Step `json:"steps" toml:"steps"`
}

// Step is one homogeneous fleet-slice inside a Plan.
type Step struct {
	UUID                  string            `json:"uuid" toml:"uuid" validate:"required"`
	InstanceRegion        Region            `json:"instance_region" toml:"instance_region" validate:"required"`
	InstanceType          string            `json:"instance_type" toml:"instance_type" validate:"required"`
	InstanceCount         int               `json:"instance_count" toml:"instance_count" validate:"gte=0"`
	ContainerName         string            `json:"container_name" toml:"container_name" validate:"required"`
	ContainerURL          string            `json:"container_url,omitempty" toml:"container_url,omitempty"`
	EnvironmentData       map[string]string `json:"environment_data,omitempty" toml:"environment_data,omitempty"`
	AdditionalCommandArgs string            `json:"additional_command_args,omitempty" toml:"additional_command_args,omitempty"`
	PortMapping           []string          `json:"port_mapping,omitempty" toml:"port_mapping,omitempty"`
	VolumeMapping         []string          `json:"volume_mapping,omitempty" toml:"volume_mapping,omitempty"`
	DNSName               string            `json:"dns_name,omitempty" toml:"dns_name,omitempty"`
	RunDelay              int               `json:"run_delay" toml:"run_delay"`
	RunMaxTime            int               `json:"run_max_time" toml:"run_max_time"`
	NodeDelay             int               `json:"node_delay" toml:"node_delay"`
	PruneRunning          bool              `json:"prune_running" toml:"prune_running"`
	DockerSeries          string            `json:"docker_series,omitempty" toml:"docker_series,omitempty"`
	IsMonitor             bool              `json:"is_monitor,omitempty" toml:"is_monitor,omitempty"`
}

func (s Step) RunDelayDuration() time.Duration  { return time.Duration(s.RunDelay) * time.Second }
func (s Step) MaxTimeDuration() time.Duration   { return time.Duration(s.RunMaxTime) * time.Second }
func (s Step) NodeDelayDuration() time.Duration { return time.Duration(s.NodeDelay) * time.Second }

// RunState is the Run's lifecycle phase. Transitions are strictly monotonic:
// Initializing -> Running -> Terminating -> Completed.
type RunState string

const (
	RunInitializing RunState = "initializing"
	RunRunning      RunState = "running"
	RunTerminating  RunState = "terminating"
	RunCompleted    RunState = "completed"
)

// runStateOrder gives each state a rank so CanTransition can reject backward
// moves.
var runStateOrder = map[RunState]int{
	RunInitializing: 0,
	RunRunning:      1,
	RunTerminating:  2,
	RunCompleted:    3,
}

// CanTransition reports whether moving from "from" to "to" is a legal,
// forward-only Run state transition.
func CanTransition(from, to RunState) bool {
	return runStateOrder[to] > runStateOrder[from]
}

// Run is one execution of a Plan.
type Run struct {
	UUID            string            `json:"uuid"`
	PlanID          string            `json:"plan_id"`
	Owner           string            `json:"owner,omitempty"`
	State           RunState          `json:"state"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Aborted         bool              `json:"aborted"`
	EnvironmentData map[string]string `json:"environment_data,omitempty"`
}

// StepRecord is the per-(Run, Step) runtime row the scheduler consults.
type StepRecord struct {
	StepUUID    string     `json:"step_uuid"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Failed      bool       `json:"failed"`
}

// ShouldStart reports whether this Step Record is eligible to begin, given
// the Run's own start time and the Step's configured delay.
func (sr *StepRecord) ShouldStart(runStartedAt time.Time, step Step, now time.Time) bool {
	if sr.StartedAt != nil {
		return false
	}
	return !now.Before(runStartedAt.Add(step.RunDelayDuration()))
}

// ShouldStop reports whether the Step has run its maximum duration.
func (sr *StepRecord) ShouldStop(step Step, now time.Time) bool {
	if sr.StartedAt == nil {
		return false
	}
	return !now.Before(sr.StartedAt.Add(step.MaxTimeDuration()))
}

// InstanceState mirrors the cloud provider's lifecycle for one VM.
type InstanceState string

const (
	InstancePending    InstanceState = "pending"
	InstanceRunning    InstanceState = "running"
	InstanceStopping   InstanceState = "stopping"
	InstanceStopped    InstanceState = "stopped"
	InstanceTerminated InstanceState = "terminated"
)

// Instance is a cloud VM, as tracked by the Pool. The Pool is its sole
// owner; Collections hold only a transient reference.
type Instance struct {
	ID         string        `json:"id"`
	Region     Region        `json:"region"`
	Type       string        `json:"type"`
	PublicIP   string        `json:"public_ip,omitempty"`
	PrivateIP  string        `json:"private_ip,omitempty"`
	State      InstanceState `json:"state"`
	LaunchTime time.Time     `json:"launch_time"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Available reports whether an instance is usable for allocation: Running,
// or Pending for less than the stale-pending threshold.
func (i *Instance) Available(now time.Time, staleAfter time.Duration) bool {
	switch i.State {
	case InstanceRunning:
		return true
	case InstancePending:
		return now.Before(i.LaunchTime.Add(staleAfter))
	default:
		return false
	}
}

// Tag keys that make up the recovery protocol. Spelling matters: these are
// read back verbatim by Pool recovery after a broker restart.
const (
	TagName    = "Name"
	TagProject = "Project"
	TagRunID   = "RunId"
	TagUuid    = "Uuid"
	TagOwner   = "Owner"

	ProjectTagValue = "loads"
)

// NamePrefix returns the Name tag value used to mark every instance created
// by a given broker (and, if set, owner).
func NamePrefix(brokerID, owner string) string {
	if owner == "" {
		return "loads-" + brokerID
	}
	return "loads-" + brokerID + "-" + owner
}

// Package repository implements api.Repository over an embedded leveldb
// store, keyed the way the teacher's task storage keys its own records:
// an entity-kind prefix plus the record's id (a uuid for Projects, Plans
// and Runs; runUUID/stepUUID for Step Records).
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/mozilla-services/loadbroker/pkg/api"
	"github.com/mozilla-services/loadbroker/pkg/model"
)

// Key prefixes, one per entity kind, matching the teacher's
// prefix-plus-range-scan convention in pkg/task/storage.go.
const (
	prefixProject    = "project"
	prefixPlan       = "plan"
	prefixRun        = "run"
	prefixStepRecord = "steprecord"
)

// ErrNotFound is returned when a Query/Load by uuid finds no record.
var ErrNotFound = errors.New("repository: not found")

// Repository is a leveldb-backed implementation of api.Repository.
type Repository struct {
	db *leveldb.DB
}

var _ api.Repository = (*Repository)(nil)

// Open opens (creating if absent) the leveldb directory at path.
func Open(path string) (*Repository, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", path, err)
	}
	return &Repository{db: db}, nil
}

// OpenMemory opens an in-memory store, for tests.
func OpenMemory() (*Repository, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error { return r.db.Close() }

// entityKey composes prefix:uuid, the same "prefix then id" shape as the
// teacher's taskKey, minus the timestamp component (these entities are
// looked up by uuid only, never range-scanned by creation time).
func entityKey(prefix, id string) []byte {
	return []byte(prefix + ":" + id)
}

func (r *Repository) put(prefix, id string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.db.Put(entityKey(prefix, id), b, &opt.WriteOptions{Sync: true})
}

func (r *Repository) get(prefix, id string, v interface{}) error {
	b, err := r.db.Get(entityKey(prefix, id), nil)
	if err == leveldb.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (r *Repository) delete(prefix, id string) error {
	return r.db.Delete(entityKey(prefix, id), &opt.WriteOptions{Sync: true})
}

// scan iterates every value stored under prefix, in key order, invoking fn
// for each; the teacher's rangeIter does the same restricted to a time
// window, which this repository's entities don't need.
func (r *Repository) scan(prefix string, fn func(value []byte) error) error {
	rng := util.BytesPrefix([]byte(prefix + ":"))
	iter := r.db.NewIterator(rng, nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// --- Project ---

func (r *Repository) SaveProject(ctx context.Context, p *model.Project) error {
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	return r.put(prefixProject, p.UUID, p)
}

func (r *Repository) QueryProject(ctx context.Context, id string) (*model.Project, error) {
	p := &model.Project{}
	if err := r.get(prefixProject, id, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Repository) QueryProjects(ctx context.Context) ([]*model.Project, error) {
	var out []*model.Project
	err := r.scan(prefixProject, func(v []byte) error {
		p := &model.Project{}
		if err := json.Unmarshal(v, p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	return r.delete(prefixProject, id)
}

// --- Plan ---

func (r *Repository) SavePlan(ctx context.Context, p *model.Plan) error {
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	return r.put(prefixPlan, p.UUID, p)
}

func (r *Repository) QueryPlan(ctx context.Context, id string) (*model.Plan, error) {
	p := &model.Plan{}
	if err := r.get(prefixPlan, id, p); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadPlanWithSteps is an alias for QueryPlan: Steps are stored inline on
// the Plan (spec §3 models a Plan as owning "an ordered set of Steps"), so
// there is no separate join to perform.
func (r *Repository) LoadPlanWithSteps(ctx context.Context, id string) (*model.Plan, error) {
	return r.QueryPlan(ctx, id)
}

func (r *Repository) DeletePlan(ctx context.Context, id string) error {
	return r.delete(prefixPlan, id)
}

// PlansByProject lists every Plan belonging to a Project, used by the
// initial-state loader to match incoming Plans by name before deciding
// whether to add them (spec §6).
func (r *Repository) PlansByProject(ctx context.Context, project string) ([]*model.Plan, error) {
	var out []*model.Plan
	err := r.scan(prefixPlan, func(v []byte) error {
		p := &model.Plan{}
		if err := json.Unmarshal(v, p); err != nil {
			return err
		}
		if p.ProjectID == project {
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// --- Run ---

// NewRun creates and persists a fresh Run for plan, merging the Plan's own
// default environment (none defined on Plan itself today, reserved for
// spec's "merges Plan defaults with submitted overrides") with env.
func (r *Repository) NewRun(ctx context.Context, plan *model.Plan, owner string, env map[string]string) (*model.Run, error) {
	run := &model.Run{
		UUID:            uuid.NewString(),
		PlanID:          plan.UUID,
		Owner:           owner,
		State:           model.RunInitializing,
		CreatedAt:       time.Now(),
		EnvironmentData: env,
	}
	if run.EnvironmentData == nil {
		run.EnvironmentData = map[string]string{}
	}
	run.EnvironmentData["RUN_ID"] = run.UUID
	if err := r.put(prefixRun, run.UUID, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (r *Repository) QueryRun(ctx context.Context, id string) (*model.Run, error) {
	run := &model.Run{}
	if err := r.get(prefixRun, id, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (r *Repository) QueryRuns(ctx context.Context, limit, offset int) ([]*model.Run, error) {
	var out []*model.Run
	err := r.scan(prefixRun, func(v []byte) error {
		run := &model.Run{}
		if err := json.Unmarshal(v, run); err != nil {
			return err
		}
		out = append(out, run)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// --- StepRecord ---

func (r *Repository) stepRecordID(runUUID, stepUUID string) string {
	return runUUID + "/" + stepUUID
}

func (r *Repository) SaveStepRecord(ctx context.Context, runUUID string, sr *model.StepRecord) error {
	return r.put(prefixStepRecord, r.stepRecordID(runUUID, sr.StepUUID), sr)
}

func (r *Repository) StepRecords(ctx context.Context, runUUID string) ([]*model.StepRecord, error) {
	var out []*model.StepRecord
	rng := util.BytesPrefix([]byte(prefixStepRecord + ":" + runUUID + "/"))
	iter := r.db.NewIterator(rng, nil)
	defer iter.Release()
	for iter.Next() {
		sr := &model.StepRecord{}
		if err := json.Unmarshal(iter.Value(), sr); err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, iter.Error()
}

// --- Generic Save/Delete, dispatching on dynamic type the way a single
// ORM session would, per api.Repository's save(entity)/delete(entity)
// shape (spec §6).

func (r *Repository) Save(ctx context.Context, entity interface{}) error {
	switch v := entity.(type) {
	case *model.Project:
		return r.SaveProject(ctx, v)
	case *model.Plan:
		return r.SavePlan(ctx, v)
	case *model.Run:
		if v.UUID == "" {
			v.UUID = uuid.NewString()
		}
		return r.put(prefixRun, v.UUID, v)
	case *model.StepRecord:
		return fmt.Errorf("repository: StepRecord requires a run uuid; use SaveStepRecord")
	default:
		return fmt.Errorf("repository: unsupported entity type %T", entity)
	}
}

func (r *Repository) Delete(ctx context.Context, entity interface{}) error {
	switch v := entity.(type) {
	case *model.Project:
		return r.DeleteProject(ctx, v.UUID)
	case *model.Plan:
		return r.DeletePlan(ctx, v.UUID)
	case *model.Run:
		return r.delete(prefixRun, v.UUID)
	default:
		return fmt.Errorf("repository: unsupported entity type %T", entity)
	}
}

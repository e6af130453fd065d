// Package loader implements the initial-state loader named in spec §6: a
// JSON or TOML file enumerating Projects -> Plans -> Steps, reconciled
// against the Repository at broker startup. Existing Plans (matched by
// name within their Project) are left unchanged; new ones are added.
//
// Grounded on the teacher's BurntSushi/toml usage throughout
// pkg/config/config.go (dual json/toml struct tags, DecodeFile) and on
// pkg/cmd/common.go's resolveTestPlan, which reads a manifest.toml file at
// startup the same way this loader reads an initial-state file.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/mozilla-services/loadbroker/pkg/api"
	"github.com/mozilla-services/loadbroker/pkg/model"
)

// Document is the root shape of an initial-state file.
type Document struct {
	Projects []ProjectDoc `json:"projects" toml:"projects"`
}

// ProjectDoc nests Plans under a Project, the shape `POST /api/project`
// also accepts (spec §6).
type ProjectDoc struct {
	model.Project
	Plans []model.Plan `json:"plans" toml:"plans"`
}

// Load parses path as TOML (default) or JSON (by .json extension) into a
// Document.
func Load(path string) (*Document, error) {
	doc := &Document{}
	if strings.HasSuffix(path, ".json") {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading initial state %s: %w", path, err)
		}
		if err := json.Unmarshal(b, doc); err != nil {
			return nil, fmt.Errorf("parsing initial state %s as JSON: %w", path, err)
		}
		return doc, nil
	}
	if _, err := toml.DecodeFile(path, doc); err != nil {
		return nil, fmt.Errorf("parsing initial state %s as TOML: %w", path, err)
	}
	return doc, nil
}

// Reconcile loads path (if non-empty) and merges it into repo: Projects
// are matched (and created if absent) by name, and within each Project,
// Plans already present (matched by name) are left untouched; only Plans
// not yet present are saved.
func Reconcile(ctx context.Context, repo api.Repository, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	doc, err := Load(path)
	if err != nil {
		return err
	}

	existingProjects, err := repo.QueryProjects(ctx)
	if err != nil {
		return fmt.Errorf("listing existing projects: %w", err)
	}
	projectByName := make(map[string]*model.Project, len(existingProjects))
	for _, p := range existingProjects {
		projectByName[p.Name] = p
	}

	for _, pd := range doc.Projects {
		project, ok := projectByName[pd.Name]
		if !ok {
			project = &model.Project{Name: pd.Name}
			if err := repo.SaveProject(ctx, project); err != nil {
				return fmt.Errorf("saving project %s: %w", pd.Name, err)
			}
		}

		existingPlans, err := existingPlanNames(ctx, repo, project.UUID)
		if err != nil {
			return fmt.Errorf("listing existing plans for project %s: %w", project.Name, err)
		}

		for _, plan := range pd.Plans {
			if _, ok := existingPlans[plan.Name]; ok {
				continue
			}
			plan.ProjectID = project.UUID
			if err := repo.SavePlan(ctx, &plan); err != nil {
				return fmt.Errorf("saving plan %s/%s: %w", pd.Name, plan.Name, err)
			}
		}
	}
	return nil
}

func existingPlanNames(ctx context.Context, repo api.Repository, projectUUID string) (map[string]struct{}, error) {
	plans, err := repo.PlansByProject(ctx, projectUUID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(plans))
	for _, p := range plans {
		names[p.Name] = struct{}{}
	}
	return names, nil
}

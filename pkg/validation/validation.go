// Package validation validates Project/Plan/Step input at the HTTP
// boundary, adapted from the teacher's Composition validator
// (pkg/api/composition_validation.go): a go-playground/validator struct
// pass for the declarative `validate:"..."` tags on model.Step, plus
// hand-written checks (unique Step uuids, known region) the struct tags
// can't express alone.
package validation

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/mozilla-services/loadbroker/pkg/model"
)

var validate = func() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("region", validateRegion)
	return v
}()

func validateRegion(fl validator.FieldLevel) bool {
	return model.Region(fl.Field().String()).Valid()
}

// Plan runs struct-tag validation over every Step, then the cross-field
// checks that span the whole Plan.
func Plan(p *model.Plan) error {
	if p.Name == "" {
		return fmt.Errorf("plan: name is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %s: at least one step is required", p.Name)
	}

	seen := make(map[string]struct{}, len(p.Steps))
	for i, step := range p.Steps {
		if err := validate.Struct(step); err != nil {
			return fmt.Errorf("plan %s: step %d: %w", p.Name, i, err)
		}
		if !step.InstanceRegion.Valid() {
			return fmt.Errorf("plan %s: step %d: unknown region %q", p.Name, i, step.InstanceRegion)
		}
		if _, dup := seen[step.UUID]; dup {
			return fmt.Errorf("plan %s: duplicate step uuid %q", p.Name, step.UUID)
		}
		seen[step.UUID] = struct{}{}
	}
	return nil
}

// Project validates a Project's own fields (its name). Nested Plans
// submitted to `POST /api/project` (spec §6) are not checked here; the
// handler validates each one with Plan.
func Project(p *model.Project) error {
	if p.Name == "" {
		return fmt.Errorf("project: name is required")
	}
	return nil
}

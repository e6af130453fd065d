package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/loadbroker/pkg/repository"
)

const tomlDoc = `
[[projects]]
name = "checkout-load"

  [[projects.plans]]
  name = "baseline"
  enabled = true

    [[projects.plans.steps]]
    uuid = "step-1"
    instance_region = "us-west-2"
    instance_type = "t1.micro"
    instance_count = 2
    container_name = "img:v1"
`

func TestReconcileTOMLAddsProjectAndPlan(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.OpenMemory()
	require.NoError(t, err)
	defer repo.Close()

	path := filepath.Join(t.TempDir(), "initial-state.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlDoc), 0o644))

	require.NoError(t, Reconcile(ctx, repo, path))

	projects, err := repo.QueryProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	require.Equal(t, "checkout-load", projects[0].Name)

	plans, err := repo.PlansByProject(ctx, projects[0].UUID)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.Equal(t, "baseline", plans[0].Name)
	require.Len(t, plans[0].Steps, 1)
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.OpenMemory()
	require.NoError(t, err)
	defer repo.Close()

	path := filepath.Join(t.TempDir(), "initial-state.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlDoc), 0o644))

	require.NoError(t, Reconcile(ctx, repo, path))
	require.NoError(t, Reconcile(ctx, repo, path))

	projects, err := repo.QueryProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)

	plans, err := repo.PlansByProject(ctx, projects[0].UUID)
	require.NoError(t, err)
	require.Len(t, plans, 1)
}

func TestReconcileMissingFileIsNoop(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.OpenMemory()
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, Reconcile(ctx, repo, filepath.Join(t.TempDir(), "absent.toml")))

	projects, err := repo.QueryProjects(ctx)
	require.NoError(t, err)
	require.Empty(t, projects)
}

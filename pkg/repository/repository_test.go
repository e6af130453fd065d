package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/loadbroker/pkg/model"
)

func TestProjectPlanRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenMemory()
	require.NoError(t, err)
	defer repo.Close()

	project := &model.Project{Name: "checkout-load"}
	require.NoError(t, repo.SaveProject(ctx, project))
	require.NotEmpty(t, project.UUID)

	plan := &model.Plan{
		ProjectID: project.UUID,
		Name:      "baseline",
		Enabled:   true,
		Steps: []model.Step{
			{UUID: "step-1", InstanceRegion: model.RegionUSWest2, InstanceType: "t1.micro", InstanceCount: 2, ContainerName: "img:v1"},
		},
	}
	require.NoError(t, repo.SavePlan(ctx, plan))

	loaded, err := repo.LoadPlanWithSteps(ctx, plan.UUID)
	require.NoError(t, err)
	require.Equal(t, plan.Name, loaded.Name)
	require.Len(t, loaded.Steps, 1)

	run, err := repo.NewRun(ctx, loaded, "alice", map[string]string{"FOO": "bar"})
	require.NoError(t, err)
	require.Equal(t, model.RunInitializing, run.State)
	require.Equal(t, run.UUID, run.EnvironmentData["RUN_ID"])

	run.State = model.RunRunning
	require.NoError(t, repo.Save(ctx, run))

	fetched, err := repo.QueryRun(ctx, run.UUID)
	require.NoError(t, err)
	require.Equal(t, model.RunRunning, fetched.State)

	sr := &model.StepRecord{StepUUID: "step-1"}
	require.NoError(t, repo.SaveStepRecord(ctx, run.UUID, sr))

	records, err := repo.StepRecords(ctx, run.UUID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "step-1", records[0].StepUUID)
}

func TestQueryRunsPaginates(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenMemory()
	require.NoError(t, err)
	defer repo.Close()

	for i := 0; i < 5; i++ {
		run := &model.Run{State: model.RunCompleted}
		require.NoError(t, repo.Save(ctx, run))
	}

	runs, err := repo.QueryRuns(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestDeleteProject(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenMemory()
	require.NoError(t, err)
	defer repo.Close()

	p := &model.Project{Name: "temp"}
	require.NoError(t, repo.SaveProject(ctx, p))
	require.NoError(t, repo.DeleteProject(ctx, p.UUID))

	_, err = repo.QueryProject(ctx, p.UUID)
	require.ErrorIs(t, err, ErrNotFound)
}

package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/loadbroker/pkg/model"
)

func TestStepStartedAndStoppedUpdateCollectors(t *testing.T) {
	ext := New()
	require.Equal(t, "metrics", ext.Name())

	step := &model.Step{ContainerName: "loadtest:v1"}

	require.NoError(t, ext.StepStarted(context.Background(), "run-1", step, []string{"10.0.0.1", "10.0.0.2"}))
	require.Equal(t, float64(2), testutil.ToFloat64(stepInstances.WithLabelValues("loadtest:v1")))
	require.Equal(t, float64(1), testutil.ToFloat64(stepsStarted.WithLabelValues("loadtest:v1")))

	require.NoError(t, ext.StepStopped(context.Background(), "run-1", step))
	require.Equal(t, float64(0), testutil.ToFloat64(stepInstances.WithLabelValues("loadtest:v1")))
	require.Equal(t, float64(1), testutil.ToFloat64(stepsStopped.WithLabelValues("loadtest:v1")))
}

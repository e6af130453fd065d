package containerhost

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInterpolateSubstitutesVars(t *testing.T) {
	vars := InstanceVars("1.2.3.4", "10.0.0.1")
	vars["backend"] = "10.0.0.5"

	out := Interpolate("--host=$HOST_IP --statsd=$STATSD_HOST:$STATSD_PORT --peer=$backend", vars)
	require.Equal(t, "--host=1.2.3.4 --statsd=10.0.0.1:8125 --peer=10.0.0.5", out)
}

func TestInterpolateLeavesUnknownRefsAlone(t *testing.T) {
	out := Interpolate("value=$unknown", map[string]string{"known": "x"})
	require.Equal(t, "value=$unknown", out)
}

func TestInterpolateMapAppliesToEveryValue(t *testing.T) {
	env := map[string]string{"A": "$HOST_IP", "B": "static"}
	out := InterpolateMap(env, InstanceVars("1.2.3.4", "10.0.0.1"))
	require.Equal(t, "1.2.3.4", out["A"])
	require.Equal(t, "static", out["B"])
}

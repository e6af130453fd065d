package containerhost

import "strings"

// Interpolate substitutes every $var reference in s against vars. It is a
// pure function: no I/O, so it can run ahead of any container-host call,
// per spec §9 ("environment interpolation... should be a pure function
// producing a fully-resolved map before the container host is invoked").
// Longer variable names are substituted first so "$HOST_IP" isn't
// shadowed by a hypothetical "$HOST".
func Interpolate(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(s, "$") {
		return s
	}

	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sortByLengthDesc(names)

	for _, name := range names {
		s = strings.ReplaceAll(s, "$"+name, vars[name])
	}
	return s
}

// InterpolateMap applies Interpolate to every value in env.
func InterpolateMap(env map[string]string, vars map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = Interpolate(v, vars)
	}
	return out
}

// InstanceVars builds the synthetic per-instance interpolation keys named
// in spec §4.4: HOST_IP, PRIVATE_IP, STATSD_HOST, STATSD_PORT.
func InstanceVars(hostIP, privateIP string) map[string]string {
	return map[string]string{
		"HOST_IP":    hostIP,
		"PRIVATE_IP": privateIP,
		"STATSD_HOST": privateIP,
		"STATSD_PORT": "8125",
	}
}

func sortByLengthDesc(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && len(s[j-1]) < len(s[j]); j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

package docker

import (
	"fmt"
)

// EnvVars is a docker-style []string{"KEY=value", ...} environment.
type EnvVars []string

// Slice returns the EnvVar as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVar.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}

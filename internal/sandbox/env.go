package sandbox

import (
	"os"
	"runtime"
	"sort"
	"strings"
)

// GuestEnv is the logical environment every guest sees, whatever the backend.
// Paths are already in the guest's view (host paths or container targets).
type GuestEnv struct {
	ContextID    string
	ExecutionID  string
	NodeLocation string
	Home         string
	Mount        []string
	Assets       []string
	Extra        map[string]string // Caller-supplied; wins over the above.
}

// Vars returns the variables as a map.
func (g GuestEnv) Vars() map[string]string {
	vars := map[string]string{
		"CONTEXT_ID":            g.ContextID,
		"EXECUTION_ID":          g.ExecutionID,
		"SHINKAI_NODE_LOCATION": g.NodeLocation,
		"HOME":                  g.Home,
		"MOUNT":                 strings.Join(g.Mount, ","),
		"ASSETS":                strings.Join(g.Assets, ","),
	}
	for k, v := range g.Extra {
		vars[k] = v
	}
	return vars
}

// HostEnviron builds a host process environment: a minimal base taken from
// the parent (PATH and the platform essentials) plus vars. Nothing else from
// the parent is inherited.
func HostEnviron(vars map[string]string) []string {
	base := map[string]string{
		"PATH":     os.Getenv("PATH"),
		"LANG":     "en_US.UTF-8",
		"TERM":     "dumb",
		"NO_COLOR": "1",
	}
	if runtime.GOOS == "windows" {
		for _, k := range []string{"SYSTEMROOT", "TEMP", "TMP", "USERPROFILE", "APPDATA", "LOCALAPPDATA"} {
			if v, ok := os.LookupEnv(k); ok {
				base[k] = v
			}
		}
	}
	for k, v := range vars {
		base[k] = v
	}
	return FormatEnv(base)
}

// FormatEnv renders vars as sorted KEY=VALUE pairs.
func FormatEnv(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

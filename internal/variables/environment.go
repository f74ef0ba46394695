package variables

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

var (
	// ErrEnvironmentMismatch is returned when a critical variable went missing
	// or changed between the captured and the current environment.
	ErrEnvironmentMismatch = errors.New("environment mismatch")
)

// internal keys are set by the engine itself and never compared
var ignoredPrefixes = []string{"BEAVER_", "_"}

// EnvironmentSnapshot is the immutable environment a job started with.
type EnvironmentSnapshot struct {
	Variables  map[string]string `json:"variables"`
	Critical   []string          `json:"critical,omitempty"`
	WorkingDir string            `json:"working_dir"`
	Hostname   string            `json:"hostname"`
	CapturedAt time.Time         `json:"captured_at"`
}

// Capture records the current process environment. Keys in critical must
// match exactly on resume.
func Capture(critical []string) EnvironmentSnapshot {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" || ignored(key) {
			continue
		}
		vars[key] = value
	}
	wd, _ := os.Getwd()
	host, _ := os.Hostname()
	return EnvironmentSnapshot{
		Variables:  vars,
		Critical:   append([]string(nil), critical...),
		WorkingDir: wd,
		Hostname:   host,
		CapturedAt: time.Now(),
	}
}

// Lookup returns a captured variable.
func (e EnvironmentSnapshot) Lookup(key string) (string, bool) {
	v, ok := e.Variables[key]
	return v, ok
}

// Change is a variable whose value differs between two snapshots.
type Change struct {
	Key string `json:"key"`
	Old string `json:"old"`
	New string `json:"new"`
}

// EnvironmentDiff lists what moved between the saved and the current environment.
type EnvironmentDiff struct {
	Missing []string `json:"missing,omitempty"`
	Changed []Change `json:"changed,omitempty"`
	New     []string `json:"new,omitempty"`
}

// Empty reports whether both environments agree.
func (d EnvironmentDiff) Empty() bool {
	return len(d.Missing) == 0 && len(d.Changed) == 0 && len(d.New) == 0
}

// Warnings renders the diff as human readable lines.
func (d EnvironmentDiff) Warnings() []string {
	var out []string
	for _, k := range d.Missing {
		out = append(out, fmt.Sprintf("environment variable %s is no longer set", k))
	}
	for _, c := range d.Changed {
		out = append(out, fmt.Sprintf("environment variable %s changed", c.Key))
	}
	for _, k := range d.New {
		out = append(out, fmt.Sprintf("environment variable %s is new", k))
	}
	return out
}

// Diff compares a saved snapshot with the current one. Output is sorted by key.
func Diff(saved, current EnvironmentSnapshot) EnvironmentDiff {
	var diff EnvironmentDiff
	for key, old := range saved.Variables {
		if ignored(key) {
			continue
		}
		now, ok := current.Variables[key]
		switch {
		case !ok:
			diff.Missing = append(diff.Missing, key)
		case now != old:
			diff.Changed = append(diff.Changed, Change{Key: key, Old: old, New: now})
		}
	}
	for key := range current.Variables {
		if ignored(key) {
			continue
		}
		if _, ok := saved.Variables[key]; !ok {
			diff.New = append(diff.New, key)
		}
	}
	sort.Strings(diff.Missing)
	sort.Strings(diff.New)
	sort.Slice(diff.Changed, func(i, j int) bool { return diff.Changed[i].Key < diff.Changed[j].Key })
	return diff
}

// Validate diffs the environments and fails with ErrEnvironmentMismatch when a
// critical key of the saved snapshot is missing or changed, unless force is set.
// The diff is always returned so callers can surface the warnings.
func Validate(saved, current EnvironmentSnapshot, force bool) (EnvironmentDiff, error) {
	diff := Diff(saved, current)
	if force || len(saved.Critical) == 0 {
		return diff, nil
	}

	critical := make(map[string]bool, len(saved.Critical))
	for _, k := range saved.Critical {
		critical[k] = true
	}

	var broken []string
	for _, k := range diff.Missing {
		if critical[k] {
			broken = append(broken, k)
		}
	}
	for _, c := range diff.Changed {
		if critical[c.Key] {
			broken = append(broken, c.Key)
		}
	}
	if len(broken) > 0 {
		sort.Strings(broken)
		return diff, fmt.Errorf("%w: critical variables %s", ErrEnvironmentMismatch, strings.Join(broken, ", "))
	}
	return diff, nil
}

func ignored(key string) bool {
	for _, p := range ignoredPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

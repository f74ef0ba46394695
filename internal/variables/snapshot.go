// Package variables holds the scoped variables a job interpolates into
// command templates, and the environment it captured when it started.
package variables

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

// Scope is one layer of variables.
type Scope map[string]any

// Snapshot is the full variable state of a job. Lookups resolve with the
// precedence global < phase < item.
type Snapshot struct {
	Global Scope                  `json:"global"`
	Phases map[types.Phase]Scope  `json:"phases"`
	Items  map[types.ItemID]Scope `json:"items"`
}

// NewSnapshot returns an empty snapshot with every layer allocated.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Global: Scope{},
		Phases: map[types.Phase]Scope{},
		Items:  map[types.ItemID]Scope{},
	}
}

// SetGlobal sets a global variable.
func (s *Snapshot) SetGlobal(key string, value any) {
	s.ensure()
	s.Global[key] = value
}

// SetPhase sets a variable visible to every item of one phase.
func (s *Snapshot) SetPhase(phase types.Phase, key string, value any) {
	s.ensure()
	scope, ok := s.Phases[phase]
	if !ok {
		scope = Scope{}
		s.Phases[phase] = scope
	}
	scope[key] = value
}

// SetItem sets a variable visible to a single item.
func (s *Snapshot) SetItem(item types.ItemID, key string, value any) {
	s.ensure()
	scope, ok := s.Items[item]
	if !ok {
		scope = Scope{}
		s.Items[item] = scope
	}
	scope[key] = value
}

// Resolve merges the layers for one item of one phase. Later layers win.
func (s *Snapshot) Resolve(phase types.Phase, item types.ItemID) Scope {
	out := Scope{}
	if s == nil {
		return out
	}
	for k, v := range s.Global {
		out[k] = v
	}
	for k, v := range s.Phases[phase] {
		out[k] = v
	}
	for k, v := range s.Items[item] {
		out[k] = v
	}
	return out
}

// Clone returns a deep enough copy for the snapshot to be stored while the
// original keeps changing.
func (s *Snapshot) Clone() *Snapshot {
	out := NewSnapshot()
	if s == nil {
		return out
	}
	for k, v := range s.Global {
		out.Global[k] = v
	}
	for phase, scope := range s.Phases {
		cp := make(Scope, len(scope))
		for k, v := range scope {
			cp[k] = v
		}
		out.Phases[phase] = cp
	}
	for item, scope := range s.Items {
		cp := make(Scope, len(scope))
		for k, v := range scope {
			cp[k] = v
		}
		out.Items[item] = cp
	}
	return out
}

func (s *Snapshot) ensure() {
	if s.Global == nil {
		s.Global = Scope{}
	}
	if s.Phases == nil {
		s.Phases = map[types.Phase]Scope{}
	}
	if s.Items == nil {
		s.Items = map[types.ItemID]Scope{}
	}
}

// ItemScope exposes a work item to templates: "item" is the whole value as
// JSON, "item.<path>" each scalar leaf, plus "item.id" and "item.index".
func ItemScope(item types.WorkItem) Scope {
	scope := Scope{
		"item.id":    string(item.ID),
		"item.index": item.Index,
	}
	if raw, err := json.Marshal(item.Data); err == nil {
		scope["item"] = string(raw)
	}
	flatten("item", item.Data, scope)
	return scope
}

func flatten(prefix string, v any, out Scope) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			flatten(prefix+"."+k, child, out)
		}
	case []any:
		if raw, err := json.Marshal(val); err == nil {
			out[prefix] = string(raw)
		}
	default:
		if prefix != "item" {
			out[prefix] = val
		}
	}
}

// Interpolate replaces ${name} and $name references. Unknown names are left
// untouched so a shell can still expand them.
func Interpolate(template string, scope Scope) string {
	return os.Expand(template, func(name string) string {
		v, ok := scope[name]
		if !ok {
			return "${" + name + "}"
		}
		return Stringify(v)
	})
}

// Stringify renders a variable the way templates and environments see it.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool, int, int64:
		return fmt.Sprint(val)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// Strings renders every value with Stringify, for command environments.
func (s Scope) Strings() map[string]string {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = Stringify(v)
	}
	return out
}

// Keys returns the scope keys in sorted order.
func (s Scope) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MapSummary recomputes the map.* summary variables from recorded outcomes.
func MapSummary(total, successful, failed int) Scope {
	rate := 0.0
	if total > 0 {
		rate = float64(successful) / float64(total) * 100
	}
	return Scope{
		"map.total":        strconv.Itoa(total),
		"map.successful":   strconv.Itoa(successful),
		"map.failed":       strconv.Itoa(failed),
		"map.completed":    strconv.Itoa(successful + failed),
		"map.success_rate": strconv.FormatFloat(rate, 'f', 2, 64),
	}
}

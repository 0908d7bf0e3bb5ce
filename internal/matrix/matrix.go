// Package matrix turns one job template into the concrete set of job
// instances its strategy declares. Expansion is deterministic: the same job
// always yields the same ordered instance list, which keeps scheduling and
// report ordering reproducible.
package matrix

import (
	"sort"
	"strings"

	"github.com/vk/jobgridgo/internal/model"
)

// Instance is one concrete, matrix-expanded execution of a job. Identity is
// the pair (job name, ordered coordinate tuple).
type Instance struct {
	Job string
	// Keys holds the coordinate keys in canonical order: declared axes in
	// declaration order, then any include-supplied extras.
	Keys []string
	Vars map[string]string
}

// Coordinates renders the coordinate tuple as "k=v,k=v" in key order. Empty
// for jobs without a strategy.
func (i *Instance) Coordinates() string {
	parts := make([]string, 0, len(i.Keys))
	for _, k := range i.Keys {
		parts = append(parts, k+"="+i.Vars[k])
	}
	return strings.Join(parts, ",")
}

// ID is the unique instance identifier used for graph nodes, logs, and
// reports.
func (i *Instance) ID() string {
	if len(i.Keys) == 0 {
		return i.Job
	}
	return i.Job + "[" + i.Coordinates() + "]"
}

// Expand materializes the job's instances: the Cartesian product of its
// axes (declaration order, lexicographic within each axis), then include
// entries applied, then exclude entries removed. A job with no strategy
// expands to exactly one instance with an empty coordinate.
func Expand(job *model.Job) []*Instance {
	if job.Strategy == nil {
		return []*Instance{{Job: job.Name, Vars: map[string]string{}}}
	}

	m := &job.Strategy.Matrix
	if len(m.Axes) == 0 && len(m.Include) == 0 {
		// A strategy that parameterizes nothing behaves like no strategy.
		return []*Instance{{Job: job.Name, Vars: map[string]string{}}}
	}

	combos := cartesian(job.Name, m.Axes)

	axisNames := make(map[string]bool, len(m.Axes))
	for _, axis := range m.Axes {
		axisNames[axis.Name] = true
	}

	// Include entries merge into the original product only; combinations
	// appended by earlier include entries are never re-matched.
	base := len(combos)
	for _, entry := range m.Include {
		combos = applyInclude(job.Name, combos, base, entry, m.Axes, axisNames)
	}

	// A job whose combinations were all excluded yields no instances; its
	// aggregate outcome is then vacuously successful.
	return applyExcludes(combos, m.Exclude)
}

// cartesian enumerates the base combinations, rightmost axis varying
// fastest. Axis values are sorted so the enumeration does not depend on the
// order the user happened to write them in.
func cartesian(jobName string, axes []model.Axis) []*Instance {
	if len(axes) == 0 {
		return nil
	}

	sorted := make([][]string, len(axes))
	keys := make([]string, len(axes))
	for i, axis := range axes {
		keys[i] = axis.Name
		sorted[i] = append([]string(nil), axis.Values...)
		sort.Strings(sorted[i])
	}

	var combos []*Instance
	indices := make([]int, len(axes))
	for {
		vars := make(map[string]string, len(axes))
		for i, key := range keys {
			vars[key] = sorted[i][indices[i]]
		}
		combos = append(combos, &Instance{
			Job:  jobName,
			Keys: append([]string(nil), keys...),
			Vars: vars,
		})

		pos := len(axes) - 1
		for pos >= 0 {
			indices[pos]++
			if indices[pos] < len(sorted[pos]) {
				break
			}
			indices[pos] = 0
			pos--
		}
		if pos < 0 {
			return combos
		}
	}
}

// applyInclude merges one include entry. Entry keys naming declared axes
// select the combinations to augment; the remaining keys are the extra
// variables added to each match. An entry matching no existing combination
// is appended as a wholly new standalone combination.
func applyInclude(jobName string, combos []*Instance, base int, entry map[string]string, axes []model.Axis, axisNames map[string]bool) []*Instance {
	var axisKeys, extraKeys []string
	for _, key := range sortedEntryKeys(entry) {
		if axisNames[key] {
			axisKeys = append(axisKeys, key)
		} else {
			extraKeys = append(extraKeys, key)
		}
	}

	matched := false
	for _, combo := range combos[:base] {
		if !comboMatches(combo, entry, axisKeys) {
			continue
		}
		matched = true
		for _, key := range extraKeys {
			if _, exists := combo.Vars[key]; !exists {
				combo.Keys = append(combo.Keys, key)
			}
			combo.Vars[key] = entry[key]
		}
	}
	if matched {
		return combos
	}

	// Standalone combination: declared-axis keys keep axis declaration
	// order, extras follow sorted.
	vars := make(map[string]string, len(entry))
	var keys []string
	for _, axis := range axes {
		if v, ok := entry[axis.Name]; ok {
			keys = append(keys, axis.Name)
			vars[axis.Name] = v
		}
	}
	for _, key := range extraKeys {
		keys = append(keys, key)
		vars[key] = entry[key]
	}
	return append(combos, &Instance{Job: jobName, Keys: keys, Vars: vars})
}

// applyExcludes drops every combination whose variables are a superset of
// an exclude entry.
func applyExcludes(combos []*Instance, excludes []map[string]string) []*Instance {
	if len(excludes) == 0 {
		return combos
	}
	kept := combos[:0]
	for _, combo := range combos {
		excluded := false
		for _, entry := range excludes {
			if comboMatches(combo, entry, sortedEntryKeys(entry)) {
				excluded = true
				break
			}
		}
		if !excluded {
			kept = append(kept, combo)
		}
	}
	return kept
}

func comboMatches(combo *Instance, entry map[string]string, keys []string) bool {
	for _, key := range keys {
		if combo.Vars[key] != entry[key] {
			return false
		}
	}
	return true
}

func sortedEntryKeys(entry map[string]string) []string {
	keys := make([]string, 0, len(entry))
	for k := range entry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

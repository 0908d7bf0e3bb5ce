package model

import (
	"strings"

	"github.com/robfig/cron/v3"
)

// validate enforces the load-time invariants: resolvable and acyclic
// `needs`, well-formed matrices, parseable cron schedules. Anything caught
// here aborts the run before a single instance is created.
func (w *Workflow) validate() error {
	if len(w.Jobs) == 0 {
		return validationErrorf("workflow %q declares no jobs", w.Name)
	}

	jobs := make(map[string]*Job, len(w.Jobs))
	for _, job := range w.Jobs {
		if _, dup := jobs[job.Name]; dup {
			return validationErrorf("duplicate job name %q", job.Name)
		}
		jobs[job.Name] = job
	}

	for _, job := range w.Jobs {
		if err := w.validateJob(job, jobs); err != nil {
			return err
		}
	}

	if err := w.detectCycles(jobs); err != nil {
		return err
	}

	for _, s := range w.Triggers.Schedules {
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return validationErrorf("invalid cron expression %q: %v", s.Cron, err)
		}
	}
	return nil
}

func (w *Workflow) validateJob(job *Job, jobs map[string]*Job) error {
	if len(job.Steps) == 0 {
		return validationErrorf("job %q declares no steps", job.Name)
	}

	stepNames := make(map[string]bool, len(job.Steps))
	for _, step := range job.Steps {
		if stepNames[step.Name] {
			return validationErrorf("job %q: duplicate step name %q", job.Name, step.Name)
		}
		stepNames[step.Name] = true
	}

	seenNeeds := make(map[string]bool, len(job.Needs))
	for _, need := range job.Needs {
		if need == job.Name {
			return validationErrorf("job %q cannot need itself", job.Name)
		}
		if _, ok := jobs[need]; !ok {
			return validationErrorf("job %q needs undeclared job %q", job.Name, need)
		}
		if seenNeeds[need] {
			return validationErrorf("job %q lists need %q twice", job.Name, need)
		}
		seenNeeds[need] = true
	}

	if job.Strategy != nil {
		if err := validateMatrix(job.Name, &job.Strategy.Matrix); err != nil {
			return err
		}
	}
	return nil
}

func validateMatrix(jobName string, m *Matrix) error {
	axes := make(map[string]bool, len(m.Axes))
	for _, axis := range m.Axes {
		if axes[axis.Name] {
			return validationErrorf("job %q: duplicate matrix axis %q", jobName, axis.Name)
		}
		axes[axis.Name] = true

		seen := make(map[string]bool, len(axis.Values))
		for _, v := range axis.Values {
			if seen[v] {
				return validationErrorf("job %q axis %q: duplicate value %q", jobName, axis.Name, v)
			}
			seen[v] = true
		}
	}

	// Exclude entries may only name declared axes; a key that can never
	// match is a definition mistake, not a silent no-op. Include entries
	// are allowed extra keys since they introduce new variables.
	for _, entry := range m.Exclude {
		for _, key := range sortedKeys(entry) {
			if !axes[key] {
				return validationErrorf("job %q: exclude entry references unknown axis %q", jobName, key)
			}
		}
	}
	return nil
}

// detectCycles runs a depth-first search over the job-name dependency
// relation, the same three-color scheme used for the instance graph.
func (w *Workflow) detectCycles(jobs map[string]*Job) error {
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(job *Job, trail []string) error
	visit = func(job *Job, trail []string) error {
		visiting[job.Name] = true
		trail = append(trail, job.Name)
		for _, need := range job.Needs {
			if visiting[need] {
				return validationErrorf("dependency cycle detected: %s -> %s", strings.Join(trail, " -> "), need)
			}
			if !visited[need] {
				if err := visit(jobs[need], trail); err != nil {
					return err
				}
			}
		}
		delete(visiting, job.Name)
		visited[job.Name] = true
		return nil
	}

	for _, job := range w.Jobs {
		if !visited[job.Name] {
			if err := visit(job, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

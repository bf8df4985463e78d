package recovery

import (
	"fmt"
	"sort"
	"strings"

	apperrors "authvault/internal/errors"
)

// orderSteps resolves the execution order of a plan's steps. Dependencies are
// honored first; among ready steps the declared Order breaks ties, then the
// step id, so the result is stable across runs of the same plan.
//
// A missing dependency or a cycle fails the whole plan before any step runs.
func orderSteps(steps []Step) ([]Step, error) {
	byID := make(map[string]*Step, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))

	for i := range steps {
		step := &steps[i]
		indegree[step.ID] += 0
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
					fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep), nil)
			}
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var ready []*Step
	for i := range steps {
		if indegree[steps[i].ID] == 0 {
			ready = append(ready, &steps[i])
		}
	}

	ordered := make([]Step, 0, len(steps))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].Order != ready[j].Order {
				return ready[i].Order < ready[j].Order
			}
			return ready[i].ID < ready[j].ID
		})

		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, *next)

		for _, dependent := range dependents[next.ID] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, byID[dependent])
			}
		}
	}

	if len(ordered) != len(steps) {
		var stuck []string
		for id, degree := range indegree {
			if degree > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			fmt.Sprintf("dependency cycle involving steps: %s", strings.Join(stuck, ", ")), nil)
	}

	return ordered, nil
}

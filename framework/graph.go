package framework

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateTask     = errors.New("duplicate_task_id")
	ErrUnknownDependency = errors.New("unknown_dependency")
	ErrCyclicDependency  = errors.New("cyclic_dependency")
	errEmptyTaskID       = errors.New("empty_task_id")
)

// Levels groups task ids by topological depth. Level 0 holds the tasks
// without dependencies; every task sits strictly after all of its
// dependencies.
type Levels [][]string

// Flatten returns every task id in execution order.
func (l Levels) Flatten() []string {
	var ids []string
	for _, level := range l {
		ids = append(ids, level...)
	}
	return ids
}

// BuildLevels computes execution levels with Kahn's algorithm. Within a level
// tasks keep their plan order. Tasks that can never reach zero in-degree
// produce ErrCyclicDependency instead of being dropped.
func BuildLevels(tasks []Task) (Levels, error) {
	index := make(map[string]int, len(tasks))
	for i, task := range tasks {
		if strings.TrimSpace(task.ID) == "" {
			return nil, fmt.Errorf("task[%d]: %w", i, errEmptyTaskID)
		}
		if _, exists := index[task.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		index[task.ID] = i
	}

	inDegree := make(map[string]int, len(tasks))
	successors := make(map[string][]string, len(tasks))
	for _, task := range tasks {
		seen := make(map[string]bool, len(task.Dependencies))
		for _, dep := range task.Dependencies {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, task.ID, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			inDegree[task.ID]++
			successors[dep] = append(successors[dep], task.ID)
		}
	}

	var frontier []string
	for _, task := range tasks {
		if inDegree[task.ID] == 0 {
			frontier = append(frontier, task.ID)
		}
	}

	var levels Levels
	placed := 0
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		placed += len(frontier)
		var next []string
		for _, id := range frontier {
			for _, succ := range successors[id] {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		frontier = sortByPlanOrder(next, index)
	}

	if placed != len(tasks) {
		var stuck []string
		for _, task := range tasks {
			if inDegree[task.ID] > 0 {
				stuck = append(stuck, task.ID)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(stuck, ","))
	}
	return levels, nil
}

func sortByPlanOrder(ids []string, index map[string]int) []string {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && index[ids[j]] < index[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}

// Batches splits a level into consecutive groups of at most size ids.
func Batches(level []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var batches [][]string
	for start := 0; start < len(level); start += size {
		end := min(start+size, len(level))
		batches = append(batches, level[start:end])
	}
	return batches
}

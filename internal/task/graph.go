package task

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
)

// DefaultBaselinePackage holds the scripts that produce the shared samples most
// other scripts read.
const DefaultBaselinePackage = "validation"

// Graph is the arena of tasks of one run. Edges live in each task's Deps as
// indices into the arena.
type Graph struct {
	tasks  []*Task
	byName map[string]int
}

// ResolveOptions tune dependency resolution.
type ResolveOptions struct {
	BaselinePackage string
	// Exclude names tasks that start Skipped, along with their dependents.
	Exclude []string
}

// NewGraph indexes tasks without computing any dependencies. Task indices must
// match their position and names must be unique.
func NewGraph(tasks []*Task) (*Graph, error) {
	g := &Graph{tasks: tasks, byName: make(map[string]int, len(tasks))}
	for i, t := range tasks {
		if t == nil {
			return nil, invalidf("nil task at %d", i)
		}
		if t.Name == "" {
			return nil, invalidf("task name is required (%s)", t.Path)
		}
		if t.Index != i {
			return nil, invalidf("task %q has index %d at position %d", t.Name, t.Index, i)
		}
		if prev, ok := g.byName[t.Name]; ok {
			return nil, invalidf("duplicate task name %q (%s, %s)", t.Name, tasks[prev].Path, t.Path)
		}
		if t.Deps == nil {
			t.Deps = map[int]struct{}{}
		}
		g.byName[t.Name] = i
	}
	return g, nil
}

// Resolve computes every task's dependencies from declared inputs and outputs,
// rejects cycles and applies exclusions.
func Resolve(tasks []*Task, opts ResolveOptions) (*Graph, error) {
	g, err := NewGraph(tasks)
	if err != nil {
		return nil, err
	}
	baseline := opts.BaselinePackage
	if baseline == "" {
		baseline = DefaultBaselinePackage
	}

	creators := map[string][]int{}
	for _, t := range tasks {
		for _, out := range t.Outputs() {
			creators[out] = append(creators[out], t.Index)
		}
	}
	var baselineTasks []int
	for _, t := range tasks {
		if t.Package == baseline {
			baselineTasks = append(baselineTasks, t.Index)
		}
	}

	for _, t := range tasks {
		if t.HeaderIncomplete {
			if t.Package == baseline {
				continue
			}
			log.Warn().Str("task", t.Name).Str("baseline", baseline).
				Msg("incomplete header, depending on baseline package")
			for _, b := range baselineTasks {
				g.addDep(t.Index, b)
			}
			continue
		}
		for _, in := range t.Inputs() {
			found := 0
			for _, c := range creators[in] {
				if c == t.Index {
					continue
				}
				g.addDep(t.Index, c)
				found++
			}
			switch {
			case found == 0:
				log.Error().Str("task", t.Name).Str("input", in).Msg("unmatched dependency, no creator")
			case found > 1:
				log.Warn().Str("task", t.Name).Str("input", in).Int("creators", found).Msg("multiple creators")
			}
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	if _, err := g.Exclude(opts.Exclude); err != nil {
		return nil, err
	}
	return g, nil
}

// AddDependency records that task depends on dep.
func (g *Graph) AddDependency(task, dep int) error {
	if task < 0 || task >= len(g.tasks) || dep < 0 || dep >= len(g.tasks) {
		return invalidf("dependency %d -> %d out of range", task, dep)
	}
	if task == dep {
		return invalidf("self-loop: %q", g.tasks[task].Name)
	}
	g.addDep(task, dep)
	return nil
}

func (g *Graph) addDep(task, dep int) {
	if task != dep {
		g.tasks[task].Deps[dep] = struct{}{}
	}
}

// Len is the number of tasks.
func (g *Graph) Len() int { return len(g.tasks) }

// Task returns the task at index i.
func (g *Graph) Task(i int) *Task { return g.tasks[i] }

// Tasks returns the tasks in discovery order.
func (g *Graph) Tasks() []*Task {
	out := make([]*Task, len(g.tasks))
	copy(out, g.tasks)
	return out
}

// Lookup finds a task by name.
func (g *Graph) Lookup(name string) (*Task, bool) {
	i, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.tasks[i], true
}

// Exclude marks the named tasks Skipped and cascades to their dependents.
// It returns every index that ended up Skipped.
func (g *Graph) Exclude(names []string) ([]int, error) {
	var skipped []int
	for _, name := range names {
		t, ok := g.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("exclude %q: unknown task", name)
		}
		if t.Status == Skipped {
			continue
		}
		if err := t.Transition(Skipped); err != nil {
			return nil, err
		}
		log.Info().Str("task", t.Name).Msg("excluded")
		skipped = append(skipped, t.Index)
		skipped = append(skipped, g.SkipDependents(t.Index)...)
	}
	return skipped, nil
}

// Complete removes idx from the dependency set of every task that is not
// terminal yet. It returns the tasks that became ready.
func (g *Graph) Complete(idx int) []int {
	var ready []int
	for _, t := range g.tasks {
		if t.Status.Terminal() || !t.DependsOn(idx) {
			continue
		}
		delete(t.Deps, idx)
		if t.Ready() {
			ready = append(ready, t.Index)
		}
	}
	return ready
}

// SkipDependents marks every waiting task that still depends on idx, directly
// or transitively, as Skipped. Tasks already Skipped or Failed are not revisited.
func (g *Graph) SkipDependents(idx int) []int {
	var skipped []int
	var visit func(u int)
	visit = func(u int) {
		for _, t := range g.tasks {
			if t.Status != Waiting || !t.DependsOn(u) {
				continue
			}
			t.Status = Skipped
			skipped = append(skipped, t.Index)
			visit(t.Index)
		}
	}
	visit(idx)
	return skipped
}

// Dependents returns the tasks that currently list idx as a dependency.
func (g *Graph) Dependents(idx int) []int {
	var out []int
	for _, t := range g.tasks {
		if t.DependsOn(idx) {
			out = append(out, t.Index)
		}
	}
	return out
}

// Validate rejects self-loops and cycles.
func (g *Graph) Validate() error {
	for _, t := range g.tasks {
		if t.DependsOn(t.Index) {
			return invalidf("self-loop: %q", t.Name)
		}
		for d := range t.Deps {
			if d < 0 || d >= len(g.tasks) {
				return invalidf("task %q depends on unknown index %d", t.Name, d)
			}
		}
	}
	if len(g.topoOrder()) == len(g.tasks) {
		return nil
	}
	return cycleError(g.findCycle())
}

// TopologicalOrder returns task indices so that every task follows its
// dependencies. Ties keep discovery order.
func (g *Graph) TopologicalOrder() []int { return g.topoOrder() }

func (g *Graph) topoOrder() []int {
	indeg := make([]int, len(g.tasks))
	dependents := make([][]int, len(g.tasks))
	for _, t := range g.tasks {
		indeg[t.Index] = len(t.Deps)
		for _, d := range t.DepIndices() {
			dependents[d] = append(dependents[d], t.Index)
		}
	}
	var ready []int
	for i, n := range indeg {
		if n == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]int, 0, len(g.tasks))
	for len(ready) > 0 {
		sort.Ints(ready)
		u := ready[0]
		ready = ready[1:]
		out = append(out, u)
		for _, v := range dependents[u] {
			indeg[v]--
			if indeg[v] == 0 {
				ready = append(ready, v)
			}
		}
	}
	return out
}

// findCycle walks depends-on edges and returns one cycle as task names,
// closed by repeating the first name.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.tasks))
	var stack []int
	var cycle []int

	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		stack = append(stack, u)
		for _, v := range g.tasks[u].DepIndices() {
			switch color[v] {
			case white:
				if dfs(v) {
					return true
				}
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == v {
						cycle = append(cycle, stack[i:]...)
						cycle = append(cycle, v)
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}
	for i := range g.tasks {
		if color[i] == white && dfs(i) {
			break
		}
	}

	names := make([]string, 0, len(cycle))
	for _, idx := range cycle {
		names = append(names, g.tasks[idx].Name)
	}
	return names
}

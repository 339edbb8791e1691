package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// DefaultMaxTaskMinutes is the largest estimate a task may carry before it must be split.
const DefaultMaxTaskMinutes = 30

// maxReportedCycles bounds cycle enumeration on pathological graphs.
const maxReportedCycles = 256

// PlanningError is returned when a task set cannot be turned into waves.
// No task may execute once planning has failed.
type PlanningError struct {
	Problems []string   // duplicate ids, missing or self dependencies, oversized tasks
	Cycles   [][]string // dependency cycles, each in dependency order
	// Truncated is set when more cycles exist than Cycles lists.
	Truncated bool
}

func (e *PlanningError) Error() string {
	parts := make([]string, 0, len(e.Problems)+len(e.Cycles))
	parts = append(parts, e.Problems...)
	for _, c := range e.Cycles {
		parts = append(parts, "cycle: "+strings.Join(append(append([]string(nil), c...), c[0]), " -> "))
	}
	if e.Truncated {
		parts = append(parts, fmt.Sprintf("more cycles omitted after the first %d", len(e.Cycles)))
	}
	return "planning failed: " + strings.Join(parts, "; ")
}

// ResolverOptions tunes validation.
type ResolverOptions struct {
	MaxTaskMinutes int // 0 means DefaultMaxTaskMinutes
}

// Resolver validates a task set and groups it into waves.
type Resolver struct {
	tasks []*Task
	index map[string]*Task
	opts  ResolverOptions
}

// NewResolver copies the given tasks and numbers them in the order given.
func NewResolver(tasks []*Task, opts ResolverOptions) *Resolver {
	if opts.MaxTaskMinutes <= 0 {
		opts.MaxTaskMinutes = DefaultMaxTaskMinutes
	}
	r := &Resolver{
		tasks: make([]*Task, 0, len(tasks)),
		index: make(map[string]*Task, len(tasks)),
		opts:  opts,
	}
	for i, t := range tasks {
		cp := t.Clone()
		cp.Seq = i
		r.tasks = append(r.tasks, cp)
		if _, dup := r.index[cp.ID]; !dup {
			r.index[cp.ID] = cp
		}
	}
	return r
}

// Validate checks ids, dependency references and task size. Cycles are
// reported separately by DetectCycles.
func (r *Resolver) Validate() error {
	var problems []string
	seen := make(map[string]bool, len(r.tasks))

	for _, t := range r.tasks {
		if t.ID == "" {
			problems = append(problems, fmt.Sprintf("task #%d has no id", t.Seq+1))
			continue
		}
		if seen[t.ID] {
			problems = append(problems, fmt.Sprintf("duplicate task id %q", t.ID))
			continue
		}
		seen[t.ID] = true

		if t.EstimatedMinutes < 0 {
			problems = append(problems, fmt.Sprintf("task %q has a negative estimate", t.ID))
		}
		if t.EstimatedMinutes > r.opts.MaxTaskMinutes {
			problems = append(problems, fmt.Sprintf("task %q estimated at %d minutes exceeds the %d minute cap; split it",
				t.ID, t.EstimatedMinutes, r.opts.MaxTaskMinutes))
		}
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				problems = append(problems, fmt.Sprintf("task %q depends on itself", t.ID))
				continue
			}
			if _, ok := r.index[dep]; !ok {
				problems = append(problems, fmt.Sprintf("task %q depends on non-existent task %q", t.ID, dep))
			}
		}
	}

	if len(problems) > 0 {
		return &PlanningError{Problems: problems}
	}
	return nil
}

// DetectCycles returns every elementary dependency cycle. Each cycle starts at
// its earliest-inserted member and follows dependsOn edges. Self-dependencies
// and missing ids are left to Validate.
func (r *Resolver) DetectCycles() [][]string {
	cycles, _ := r.findCycles(maxReportedCycles)
	return cycles
}

// findCycles enumerates elementary cycles with Johnson's algorithm. For each
// start node only the strongly connected component it forms with later nodes
// is searched, and blocked sets keep the walk away from dead ends. truncated
// reports that limit was reached before the search finished.
func (r *Resolver) findCycles(limit int) (cycles [][]string, truncated bool) {
	if !r.hasBackEdge() {
		return nil, false
	}

	var nodes []*Task
	adj := make(map[string][]string, len(r.index))
	rev := make(map[string][]string, len(r.index))
	for _, t := range r.tasks {
		if r.index[t.ID] != t {
			continue
		}
		nodes = append(nodes, t)
		for _, dep := range uniqueDeps(t) {
			if _, ok := r.index[dep]; !ok {
				continue
			}
			adj[t.ID] = append(adj[t.ID], dep)
			rev[dep] = append(rev[dep], t.ID)
		}
	}

	for _, start := range nodes {
		comp := r.componentOf(start, adj, rev)
		if len(comp) < 2 {
			continue
		}

		blocked := make(map[string]bool, len(comp))
		blockedBy := make(map[string]map[string]bool, len(comp))
		path := []string{start.ID}

		var unblock func(id string)
		unblock = func(id string) {
			blocked[id] = false
			for w := range blockedBy[id] {
				delete(blockedBy[id], w)
				if blocked[w] {
					unblock(w)
				}
			}
		}

		var circuit func(id string) bool
		circuit = func(id string) bool {
			found := false
			blocked[id] = true
			for _, dep := range adj[id] {
				if !comp[dep] {
					continue
				}
				if dep == start.ID {
					cycles = append(cycles, append([]string(nil), path...))
					found = true
					if len(cycles) >= limit {
						truncated = true
						return true
					}
					continue
				}
				if blocked[dep] {
					continue
				}
				path = append(path, dep)
				if circuit(dep) {
					found = true
				}
				path = path[:len(path)-1]
				if truncated {
					return true
				}
			}
			if found {
				unblock(id)
				return true
			}
			for _, dep := range adj[id] {
				if !comp[dep] {
					continue
				}
				if blockedBy[dep] == nil {
					blockedBy[dep] = make(map[string]bool)
				}
				blockedBy[dep][id] = true
			}
			return false
		}

		circuit(start.ID)
		if truncated {
			break
		}
	}
	return cycles, truncated
}

// componentOf returns the strongly connected component of start within the
// nodes inserted at or after it: everything start reaches that also reaches
// start back.
func (r *Resolver) componentOf(start *Task, adj, rev map[string][]string) map[string]bool {
	reach := func(edges map[string][]string) map[string]bool {
		seen := map[string]bool{start.ID: true}
		stack := []string{start.ID}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, next := range edges[id] {
				if seen[next] || r.index[next].Seq < start.Seq {
					continue
				}
				seen[next] = true
				stack = append(stack, next)
			}
		}
		return seen
	}

	forward := reach(adj)
	comp := make(map[string]bool)
	for id := range reach(rev) {
		if forward[id] {
			comp[id] = true
		}
	}
	return comp
}

// hasBackEdge is a DFS three-colour pass that stops at the first cycle.
func (r *Resolver) hasBackEdge() bool {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(r.index))

	var visit func(id string) bool
	visit = func(id string) bool {
		colour[id] = grey
		for _, dep := range r.index[id].DependsOn {
			if _, ok := r.index[dep]; !ok || dep == id {
				continue
			}
			switch colour[dep] {
			case grey:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colour[id] = black
		return false
	}

	for _, t := range r.tasks {
		if colour[t.ID] == white && visit(t.ID) {
			return true
		}
	}
	return false
}

// TopologicalSort returns dependencies before dependents. Among tasks that are
// ready at the same time, insertion order wins.
func (r *Resolver) TopologicalSort() ([]string, error) {
	if cycles, truncated := r.findCycles(maxReportedCycles); len(cycles) > 0 {
		return nil, &PlanningError{Cycles: cycles, Truncated: truncated}
	}

	indegree := make(map[string]int, len(r.index))
	dependents := make(map[string][]*Task, len(r.index))
	for id, t := range r.index {
		for _, dep := range uniqueDeps(t) {
			if _, ok := r.index[dep]; !ok {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], t)
		}
	}

	var ready []*Task
	for _, t := range r.tasks {
		if r.index[t.ID] == t && indegree[t.ID] == 0 {
			ready = append(ready, t)
		}
	}

	order := make([]string, 0, len(r.index))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next.ID)

		for _, d := range dependents[next.ID] {
			indegree[d.ID]--
			if indegree[d.ID] == 0 {
				ready = insertBySeq(ready, d)
			}
		}
	}

	if len(order) != len(r.index) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(r.index)-len(order))
	}
	return order, nil
}

// CalculateWaves groups tasks so each task sits one wave after the latest of
// its dependencies. This yields the minimum number of waves.
func (r *Resolver) CalculateWaves() ([]*Wave, error) {
	order, err := r.TopologicalSort()
	if err != nil {
		return nil, err
	}

	level := make(map[string]int, len(order))
	depth := 0
	for _, id := range order {
		lvl := 0
		for _, dep := range r.index[id].DependsOn {
			if l, ok := level[dep]; ok && l+1 > lvl {
				lvl = l + 1
			}
		}
		level[id] = lvl
		r.index[id].Wave = lvl
		if lvl+1 > depth {
			depth = lvl + 1
		}
	}

	waves := make([]*Wave, depth)
	for i := range waves {
		waves[i] = &Wave{Index: i}
	}
	for _, t := range r.tasks {
		if r.index[t.ID] != t {
			continue
		}
		w := waves[level[t.ID]]
		w.TaskIDs = append(w.TaskIDs, t.ID)
	}
	return waves, nil
}

// Resolve validates the task set, fails with every cycle if any exist, and
// otherwise returns the execution order and waves.
func (r *Resolver) Resolve() (*Plan, error) {
	perr := &PlanningError{}
	if err := r.Validate(); err != nil {
		perr.Problems = err.(*PlanningError).Problems
	}
	perr.Cycles, perr.Truncated = r.findCycles(maxReportedCycles)
	if len(perr.Problems) > 0 || len(perr.Cycles) > 0 {
		return nil, perr
	}

	if err := r.crossCheck(); err != nil {
		return nil, err
	}

	order, err := r.TopologicalSort()
	if err != nil {
		return nil, err
	}
	waves, err := r.CalculateWaves()
	if err != nil {
		return nil, err
	}

	plan := &Plan{Order: order, Waves: waves, Tasks: make([]*Task, 0, len(r.tasks))}
	for _, t := range r.tasks {
		cp := t.Clone()
		if cp.Status == "" {
			cp.Status = TaskPending
		}
		plan.Tasks = append(plan.Tasks, cp)
	}
	return plan, nil
}

// crossCheck runs an independent topological sort over the edge list so a
// bug in the cycle walk can never let a cyclic plan through.
func (r *Resolver) crossCheck() error {
	var edges []toposort.Edge
	for _, t := range r.tasks {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return &PlanningError{Problems: []string{fmt.Sprintf("dependency graph contains a cycle: %v", err)}}
	}

	n := 0
	for _, id := range sorted {
		if id != nil {
			n++
		}
	}
	if n != len(r.index) {
		return fmt.Errorf("topological cross-check saw %d tasks, want %d", n, len(r.index))
	}
	return nil
}

func uniqueDeps(t *Task) []string {
	seen := make(map[string]bool, len(t.DependsOn))
	out := make([]string, 0, len(t.DependsOn))
	for _, d := range t.DependsOn {
		if d == t.ID || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

func insertBySeq(list []*Task, t *Task) []*Task {
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq > t.Seq })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = t
	return list
}

package resolver

import (
	"sort"

	"github.com/aescanero/dago-kernel/pkg/domain"
)

// Resolution is the derived structure of an accepted graph: its data-flow
// edges and the layered execution batches.
type Resolution struct {
	Edges   []domain.Edge
	Batches [][]string

	dependents   map[string][]string
	dependencies map[string][]string
}

// Dependents returns the ids of nodes that consume an output of id, in
// declaration order.
func (r *Resolution) Dependents(id string) []string {
	return append([]string(nil), r.dependents[id]...)
}

// Dependencies returns the ids of nodes id consumes outputs from, in
// declaration order.
func (r *Resolution) Dependencies(id string) []string {
	return append([]string(nil), r.dependencies[id]...)
}

// BatchOf returns the index of the batch containing id, or -1.
func (r *Resolution) BatchOf(id string) int {
	for i, batch := range r.Batches {
		for _, n := range batch {
			if n == id {
				return i
			}
		}
	}
	return -1
}

// Resolve derives edges from input references and guards, then layers the
// nodes with Kahn's algorithm. Batch 0 holds the nodes without dependencies;
// batch k holds the nodes whose dependencies all lie in earlier batches.
// Nodes inside a batch keep declaration order.
func Resolve(nodes []domain.Node) (*Resolution, error) {
	if len(nodes) == 0 {
		return nil, graphErr(ErrEmptyGraph, nil, "at least one node is required")
	}

	index := make(map[string]int, len(nodes))
	var dups []string
	for i, n := range nodes {
		if n.ID == domain.RunInputsNode {
			return nil, graphErr(ErrReservedIdentifier, []string{n.ID}, "node id %q addresses run inputs", n.ID)
		}
		if _, ok := index[n.ID]; ok {
			dups = append(dups, n.ID)
			continue
		}
		index[n.ID] = i
	}
	if len(dups) > 0 {
		return nil, graphErr(ErrDuplicateNode, sortedUnique(dups), "node ids must be unique")
	}

	edges, err := buildEdges(nodes, index)
	if err != nil {
		return nil, err
	}

	batches, remaining := layer(nodes, index, edges)
	if len(remaining) > 0 {
		return nil, graphErr(ErrCycle, remaining, "%d node(s) could not be ordered", len(remaining))
	}

	res := &Resolution{
		Edges:        edges,
		Batches:      batches,
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
	}
	for _, e := range edges {
		res.dependents[e.From] = append(res.dependents[e.From], e.To)
		res.dependencies[e.To] = append(res.dependencies[e.To], e.From)
	}
	for id := range res.dependents {
		sortByIndex(res.dependents[id], index)
	}
	for id := range res.dependencies {
		sortByIndex(res.dependencies[id], index)
	}
	return res, nil
}

// CycleMembers runs the same layering as Resolve but tolerates unknown and
// self references, returning the sorted ids left unprocessed when the
// algorithm stalls. It returns nil for acyclic graphs.
func CycleMembers(nodes []domain.Node) []string {
	index := make(map[string]int, len(nodes))
	unique := make([]domain.Node, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := index[n.ID]; ok {
			continue
		}
		index[n.ID] = len(unique)
		unique = append(unique, n)
	}

	var edges []domain.Edge
	for _, n := range unique {
		for _, ref := range references(n) {
			if _, ok := index[ref.Node]; !ok || ref.Node == n.ID {
				continue
			}
			edges = append(edges, domain.Edge{From: ref.Node, To: n.ID})
		}
	}
	_, remaining := layer(unique, index, edges)
	return remaining
}

type nodeRef struct {
	domain.OutputRef
	guard bool
}

// references lists every output reference a node makes, including its guard.
// Input names are visited in sorted order.
func references(n domain.Node) []nodeRef {
	names := make([]string, 0, len(n.Inputs))
	for name := range n.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var refs []nodeRef
	for _, name := range names {
		if ref, ok := n.Inputs[name].Reference(); ok && ref.Node != domain.RunInputsNode {
			refs = append(refs, nodeRef{OutputRef: ref})
		}
	}
	if n.When != nil && n.When.Node != domain.RunInputsNode {
		refs = append(refs, nodeRef{OutputRef: *n.When, guard: true})
	}
	return refs
}

func buildEdges(nodes []domain.Node, index map[string]int) ([]domain.Edge, error) {
	type pair struct{ from, to string }
	merged := make(map[pair]*domain.Edge)
	var order []pair
	var dangling, self []string

	for _, n := range nodes {
		for _, ref := range references(n) {
			if ref.Node == n.ID {
				self = append(self, n.ID)
				continue
			}
			if _, ok := index[ref.Node]; !ok {
				dangling = append(dangling, ref.Node)
				continue
			}
			key := pair{from: ref.Node, to: n.ID}
			e, ok := merged[key]
			if !ok {
				e = &domain.Edge{From: ref.Node, To: n.ID}
				merged[key] = e
				order = append(order, key)
			}
			if ref.guard {
				e.Guard = ref.Field
			} else if !contains(e.Fields, ref.Field) {
				e.Fields = append(e.Fields, ref.Field)
			}
		}
	}
	if len(self) > 0 {
		return nil, graphErr(ErrSelfReference, sortedUnique(self), "a node cannot consume its own outputs")
	}
	if len(dangling) > 0 {
		return nil, graphErr(ErrDanglingReference, sortedUnique(dangling), "referenced nodes are not declared")
	}

	edges := make([]domain.Edge, 0, len(order))
	for _, key := range order {
		e := merged[key]
		sort.Strings(e.Fields)
		edges = append(edges, *e)
	}
	sort.SliceStable(edges, func(i, j int) bool {
		if index[edges[i].From] != index[edges[j].From] {
			return index[edges[i].From] < index[edges[j].From]
		}
		return index[edges[i].To] < index[edges[j].To]
	})
	return edges, nil
}

// layer is Kahn's algorithm grouped by depth. It returns the batches and the
// sorted ids that never reached zero in-degree.
func layer(nodes []domain.Node, index map[string]int, edges []domain.Edge) ([][]string, []string) {
	indegree := make([]int, len(nodes))
	adj := make([][]int, len(nodes))
	seen := make(map[[2]int]bool, len(edges))
	for _, e := range edges {
		from, to := index[e.From], index[e.To]
		if seen[[2]int{from, to}] {
			continue
		}
		seen[[2]int{from, to}] = true
		adj[from] = append(adj[from], to)
		indegree[to]++
	}

	queue := make([]int, 0, len(nodes))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	var batches [][]string
	visited := 0
	for len(queue) > 0 {
		sort.Ints(queue)
		batch := make([]string, len(queue))
		var next []int
		for i, u := range queue {
			batch[i] = nodes[u].ID
			visited++
			for _, v := range adj[u] {
				indegree[v]--
				if indegree[v] == 0 {
					next = append(next, v)
				}
			}
		}
		batches = append(batches, batch)
		queue = next
	}

	if visited == len(nodes) {
		return batches, nil
	}
	var remaining []string
	for i, d := range indegree {
		if d > 0 {
			remaining = append(remaining, nodes[i].ID)
		}
	}
	sort.Strings(remaining)
	return batches, remaining
}

func sortByIndex(ids []string, index map[string]int) {
	sort.SliceStable(ids, func(i, j int) bool { return index[ids[i]] < index[ids[j]] })
}

func sortedUnique(ids []string) []string {
	sort.Strings(ids)
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

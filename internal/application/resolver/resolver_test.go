package resolver

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/aescanero/dago-kernel/pkg/domain"
	"github.com/stretchr/testify/require"
)

func node(id string, refs ...string) domain.Node {
	n := domain.Node{ID: id, Type: "passthrough", Inputs: map[string]domain.Input{}}
	for i, r := range refs {
		n.Inputs[string(rune('a'+i))] = domain.RefTo(r, "out")
	}
	return n
}

func TestResolve_Linear(t *testing.T) {
	res, err := Resolve([]domain.Node{node("A"), node("B", "A"), node("C", "B")})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"A"}, {"B"}, {"C"}}, res.Batches)
	require.Equal(t, []domain.Edge{
		{From: "A", To: "B", Fields: []string{"out"}},
		{From: "B", To: "C", Fields: []string{"out"}},
	}, res.Edges)
}

func TestResolve_FanIn(t *testing.T) {
	res, err := Resolve([]domain.Node{node("A"), node("B"), node("C", "A", "B")})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"A", "B"}, {"C"}}, res.Batches)
	require.Equal(t, []string{"A", "B"}, res.Dependencies("C"))
	require.Equal(t, []string{"C"}, res.Dependents("A"))
	require.Equal(t, 1, res.BatchOf("C"))
	require.Equal(t, -1, res.BatchOf("missing"))
}

func TestResolve_DeclarationOrderWithinBatch(t *testing.T) {
	res, err := Resolve([]domain.Node{node("z"), node("m"), node("a"), node("b", "z")})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"z", "m", "a"}, {"b"}}, res.Batches)
}

func TestResolve_MergesDuplicatePairs(t *testing.T) {
	b := domain.Node{
		ID:   "B",
		Type: "passthrough",
		Inputs: map[string]domain.Input{
			"x": domain.RefTo("A", "second"),
			"y": domain.Literal("${A.first}"),
			"z": domain.RefTo("A", "first"),
		},
		When: &domain.OutputRef{Node: "A", Field: "ok"},
	}
	res, err := Resolve([]domain.Node{node("A"), b})
	require.NoError(t, err)
	require.Len(t, res.Edges, 1)
	require.Equal(t, domain.Edge{From: "A", To: "B", Fields: []string{"first", "second"}, Guard: "ok"}, res.Edges[0])
}

func TestResolve_RunInputsNeverCreateEdges(t *testing.T) {
	n := domain.Node{ID: "A", Type: "passthrough", Inputs: map[string]domain.Input{
		"q": domain.RefTo(domain.RunInputsNode, "query"),
	}}
	res, err := Resolve([]domain.Node{n})
	require.NoError(t, err)
	require.Empty(t, res.Edges)
	require.Equal(t, [][]string{{"A"}}, res.Batches)
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name  string
		nodes []domain.Node
		kind  error
		ids   []string
	}{
		{name: "empty", kind: ErrEmptyGraph},
		{name: "duplicate", nodes: []domain.Node{node("A"), node("A")}, kind: ErrDuplicateNode, ids: []string{"A"}},
		{name: "reserved", nodes: []domain.Node{node("inputs")}, kind: ErrReservedIdentifier, ids: []string{"inputs"}},
		{name: "dangling", nodes: []domain.Node{node("A", "ghost")}, kind: ErrDanglingReference, ids: []string{"ghost"}},
		{name: "self", nodes: []domain.Node{node("A", "A")}, kind: ErrSelfReference, ids: []string{"A"}},
		{name: "cycle", nodes: []domain.Node{node("A", "B"), node("B", "A")}, kind: ErrCycle, ids: []string{"A", "B"}},
		{
			name:  "cycle with downstream",
			nodes: []domain.Node{node("root"), node("B", "root", "C"), node("C", "B"), node("D", "C")},
			kind:  ErrCycle,
			ids:   []string{"B", "C", "D"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.nodes)
			require.Error(t, err)
			require.True(t, errors.Is(err, tt.kind), "got %v", err)

			var graphErr *GraphError
			require.ErrorAs(t, err, &graphErr)
			require.Equal(t, tt.ids, graphErr.NodeIDs)
		})
	}
}

func TestCycleMembers(t *testing.T) {
	require.Nil(t, CycleMembers([]domain.Node{node("A"), node("B", "A")}))
	require.Equal(t, []string{"A", "B"}, CycleMembers([]domain.Node{node("A", "B"), node("B", "A"), node("C", "ghost")}))
}

func TestResolve_Deterministic(t *testing.T) {
	nodes := []domain.Node{node("A"), node("B", "A"), node("C", "A"), node("D", "B", "C")}
	first, err := Resolve(nodes)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Resolve(nodes)
		require.NoError(t, err)
		require.Equal(t, first.Batches, again.Batches)
		require.Equal(t, first.Edges, again.Edges)
	}
}

// randomDAG builds an acyclic graph of n nodes. Edges only go from lower to
// higher rank, and declaration order is shuffled independently of rank.
func randomDAG(rng *rand.Rand, n int) []domain.Node {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("n%02d", i)
	}
	nodes := make([]domain.Node, n)
	for rank, id := range ids {
		var refs []string
		for dep := 0; dep < rank && len(refs) < 5; dep++ {
			if rng.Intn(4) == 0 {
				refs = append(refs, ids[dep])
			}
		}
		nodes[rank] = node(id, refs...)
	}
	rng.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
	return nodes
}

func TestResolve_GeneratedDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		nodes := randomDAG(rng, 1+rng.Intn(25))
		res, err := Resolve(nodes)
		require.NoError(t, err)

		declared := make(map[string]int, len(nodes))
		for i, n := range nodes {
			declared[n.ID] = i
		}

		seen := 0
		for b, batch := range res.Batches {
			require.NotEmpty(t, batch)
			for i, id := range batch {
				require.Equal(t, b, res.BatchOf(id))
				if i > 0 {
					require.Less(t, declared[batch[i-1]], declared[id], "batch %d is not in declaration order", b)
				}
				if b > 0 {
					// Layering is tight: some dependency sits in the previous batch.
					deps := res.Dependencies(id)
					require.NotEmpty(t, deps)
					maxBatch := -1
					for _, dep := range deps {
						if bo := res.BatchOf(dep); bo > maxBatch {
							maxBatch = bo
						}
					}
					require.Equal(t, b-1, maxBatch)
				}
			}
			seen += len(batch)
		}
		require.Equal(t, len(nodes), seen)

		for _, e := range res.Edges {
			require.Less(t, res.BatchOf(e.From), res.BatchOf(e.To), "edge %s -> %s", e.From, e.To)
			require.Contains(t, res.Dependents(e.From), e.To)
		}
	}
}

package handle

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracepost/tracepost/internal/intern"
	"github.com/tracepost/tracepost/internal/trace"
)

// buildIssue interns an issue's text into table and returns the issue.
func buildIssue(table *intern.Table, callable, file string, line int, sources, sinks []string) *trace.Issue {
	issue := &trace.Issue{
		Callable: table.Intern(callable),
		File:     table.Intern(file),
		Line:     line,
	}
	for _, s := range sources {
		issue.SourceKinds = append(issue.SourceKinds, table.Intern(s))
	}
	for _, s := range sinks {
		issue.SinkKinds = append(issue.SinkKinds, table.Intern(s))
	}
	return issue
}

func TestGenerator_StableAcrossRunsWithUnrelatedContent(t *testing.T) {
	t.Parallel()

	// Run one: the issue's strings are interned first.
	t1 := intern.NewTable()
	i1 := buildIssue(t1, "app.handler", "app/views.py", 44, []string{"UserInput"}, []string{"SQL"})

	// Run two: unrelated models intern a pile of other strings first, so
	// every handle number differs; the issue handle must not.
	t2 := intern.NewTable()
	for i := 0; i < 50; i++ {
		t2.Intern(fmt.Sprintf("unrelated.model.%d", i))
	}
	i2 := buildIssue(t2, "app.handler", "app/views.py", 44, []string{"UserInput"}, []string{"SQL"})

	h1 := NewGenerator(t1, 0).Handle(i1)
	h2 := NewGenerator(t2, 0).Handle(i2)
	assert.Equal(t, h1, h2)
	assert.True(t, strings.HasPrefix(h1, Prefix))
}

func TestGenerator_StableUnderKindOrder(t *testing.T) {
	t.Parallel()

	t1 := intern.NewTable()
	i1 := buildIssue(t1, "f", "f.py", 10, []string{"A", "B"}, []string{"X", "Y"})
	t2 := intern.NewTable()
	i2 := buildIssue(t2, "f", "f.py", 10, []string{"B", "A"}, []string{"Y", "X"})

	assert.Equal(t, NewGenerator(t1, 0).Handle(i1), NewGenerator(t2, 0).Handle(i2))
}

func TestGenerator_LineShiftWithinBucketKeepsHandle(t *testing.T) {
	t.Parallel()

	table := intern.NewTable()
	gen := NewGenerator(table, 10)

	a := buildIssue(table, "f", "f.py", 41, []string{"A"}, []string{"X"})
	b := buildIssue(table, "f", "f.py", 49, []string{"A"}, []string{"X"})
	c := buildIssue(table, "f", "f.py", 51, []string{"A"}, []string{"X"})

	assert.Equal(t, gen.Handle(a), gen.Handle(b), "shift within the bucket keeps the handle")
	assert.NotEqual(t, gen.Handle(a), gen.Handle(c), "crossing a bucket boundary changes it")
}

func TestGenerator_DistinctContentDistinctHandles(t *testing.T) {
	t.Parallel()

	table := intern.NewTable()
	gen := NewGenerator(table, 0)

	base := buildIssue(table, "f", "f.py", 10, []string{"A"}, []string{"X"})
	variants := []*trace.Issue{
		buildIssue(table, "g", "f.py", 10, []string{"A"}, []string{"X"}),
		buildIssue(table, "f", "g.py", 10, []string{"A"}, []string{"X"}),
		buildIssue(table, "f", "f.py", 10, []string{"B"}, []string{"X"}),
		buildIssue(table, "f", "f.py", 10, []string{"A"}, []string{"Y"}),
		buildIssue(table, "f", "f.py", 900, []string{"A"}, []string{"X"}),
	}
	for i, v := range variants {
		assert.NotEqual(t, gen.Handle(base), gen.Handle(v), "variant %d must differ", i)
	}
}

func TestGenerator_UniquenessProperty(t *testing.T) {
	t.Parallel()

	table := intern.NewTable()
	gen := NewGenerator(table, 0)
	rng := rand.New(rand.NewSource(42))

	// Randomized distinct identities must never collide.
	handles := make(map[string]string)
	for i := 0; i < 500; i++ {
		callable := fmt.Sprintf("pkg%d.fn%d", rng.Intn(40), i) // i makes identity unique
		issue := buildIssue(table, callable,
			fmt.Sprintf("src/file%d.py", rng.Intn(30)),
			rng.Intn(2000),
			[]string{fmt.Sprintf("Source%d", rng.Intn(5))},
			[]string{fmt.Sprintf("Sink%d", rng.Intn(5))},
		)
		h := gen.Handle(issue)
		if prev, ok := handles[h]; ok {
			t.Fatalf("collision between %q and %q", prev, callable)
		}
		handles[h] = callable
	}
}

func TestGenerator_AssignSetsHandlesAndAllowsTrueDuplicates(t *testing.T) {
	t.Parallel()

	table := intern.NewTable()
	gen := NewGenerator(table, 10)

	// Same identity twice (lines in one bucket): a legitimate duplicate,
	// not a collision.
	a := buildIssue(table, "f", "f.py", 41, []string{"A"}, []string{"X"})
	b := buildIssue(table, "f", "f.py", 44, []string{"A"}, []string{"X"})

	require.NoError(t, gen.Assign([]*trace.Issue{a, b}))
	assert.NotEmpty(t, a.Handle)
	assert.Equal(t, a.Handle, b.Handle)
}

func TestGenerator_AssignDetectsCollision(t *testing.T) {
	t.Parallel()

	table := intern.NewTable()
	gen := NewGenerator(table, 10)

	a := buildIssue(table, "f", "f.py", 10, []string{"A"}, []string{"X"})
	b := buildIssue(table, "g", "g.py", 20, []string{"B"}, []string{"Y"})

	require.NoError(t, gen.Assign([]*trace.Issue{a, b}))

	// Force the pathological case: distinct identities, same handle.
	b.Handle = a.Handle
	err := checkAssigned(gen, []*trace.Issue{a, b})
	require.Error(t, err)
	var cerr *HandleCollisionError
	assert.ErrorAs(t, err, &cerr)
}

// checkAssigned re-runs only the collision check over pre-set handles.
func checkAssigned(g *Generator, issues []*trace.Issue) error {
	byHandle := make(map[string]*trace.Issue)
	for _, issue := range issues {
		if prev, ok := byHandle[issue.Handle]; ok && !g.sameIdentity(prev, issue) {
			return &HandleCollisionError{Handle: issue.Handle, First: prev.Callable, Second: issue.Callable}
		}
		byHandle[issue.Handle] = issue
	}
	return nil
}

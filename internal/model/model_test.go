package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracepost/tracepost/internal/facts"
	"github.com/tracepost/tracepost/internal/intern"
)

func condFact(callable, kind, port intern.Handle, dir facts.Direction, distance int, anns ...intern.Handle) *facts.ConditionFact {
	return &facts.ConditionFact{
		Callable:    callable,
		Direction:   dir,
		Kind:        kind,
		Port:        port,
		Distance:    distance,
		Annotations: anns,
	}
}

func TestAssembler_GroupsConditionsByCallable(t *testing.T) {
	t.Parallel()

	table := intern.NewTable()
	foo := table.Intern("pkg.foo")
	bar := table.Intern("pkg.bar")
	userInput := table.Intern("UserInput")
	sql := table.Intern("SQL")
	ret := table.Intern("return")
	arg0 := table.Intern("arg0")

	a := NewAssembler()
	a.AddCondition(condFact(foo, userInput, ret, facts.DirectionPost, 0))
	a.AddCondition(condFact(bar, sql, arg0, facts.DirectionPre, 0))
	a.AddCondition(condFact(bar, userInput, arg0, facts.DirectionPre, 2))

	models := a.Finalize()
	require.Len(t, models, 2)

	require.Len(t, models[foo].Post, 1)
	assert.Empty(t, models[foo].Pre)
	assert.Len(t, models[bar].Pre, 2)
}

func TestAssembler_MergeTakesMinimumDistance(t *testing.T) {
	t.Parallel()

	table := intern.NewTable()
	f := table.Intern("pkg.f")
	kind := table.Intern("SQL")
	port := table.Intern("arg0")

	a := NewAssembler()
	a.AddCondition(condFact(f, kind, port, facts.DirectionPre, 3))
	a.AddCondition(condFact(f, kind, port, facts.DirectionPre, 1))
	a.AddCondition(condFact(f, kind, port, facts.DirectionPre, 2))

	models := a.Finalize()
	require.Len(t, models[f].Pre, 1, "duplicates must merge into one condition")
	assert.Equal(t, 1, models[f].Pre[0].Distance)
}

func TestAssembler_MergeUnionsAnnotations(t *testing.T) {
	t.Parallel()

	table := intern.NewTable()
	f := table.Intern("pkg.f")
	kind := table.Intern("SQL")
	port := table.Intern("arg0")
	a1 := table.Intern("via:cursor")
	a2 := table.Intern("via:orm")

	a := NewAssembler()
	a.AddCondition(condFact(f, kind, port, facts.DirectionPre, 1, a1))
	a.AddCondition(condFact(f, kind, port, facts.DirectionPre, 1, a2, a1))

	models := a.Finalize()
	require.Len(t, models[f].Pre, 1)
	assert.Equal(t, []intern.Handle{a1, a2}, models[f].Pre[0].Annotations)
}

func TestAssembler_MergeIsOrderIndependent(t *testing.T) {
	t.Parallel()

	table := intern.NewTable()
	f := table.Intern("pkg.f")
	kind := table.Intern("SQL")
	port := table.Intern("arg0")
	anns := []intern.Handle{
		table.Intern("a"), table.Intern("b"), table.Intern("c"), table.Intern("d"),
	}

	// Randomized permutations of the same duplicate set must always merge
	// to the same condition.
	base := []*facts.ConditionFact{
		condFact(f, kind, port, facts.DirectionPre, 5, anns[0]),
		condFact(f, kind, port, facts.DirectionPre, 2, anns[1], anns[2]),
		condFact(f, kind, port, facts.DirectionPre, 9, anns[3]),
		condFact(f, kind, port, facts.DirectionPre, 2, anns[0], anns[3]),
	}

	var reference *Condition
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		perm := rng.Perm(len(base))
		a := NewAssembler()
		for _, i := range perm {
			a.AddCondition(base[i])
		}
		models := a.Finalize()
		require.Len(t, models[f].Pre, 1)
		got := models[f].Pre[0]
		if reference == nil {
			reference = &got
			assert.Equal(t, 2, got.Distance)
			continue
		}
		assert.Equal(t, *reference, got, "merge result depends on arrival order (trial %d)", trial)
	}
}

func TestAssembler_SameKindDifferentPortStaysSeparate(t *testing.T) {
	t.Parallel()

	table := intern.NewTable()
	f := table.Intern("pkg.f")
	kind := table.Intern("SQL")

	a := NewAssembler()
	a.AddCondition(condFact(f, kind, table.Intern("arg0"), facts.DirectionPre, 1))
	a.AddCondition(condFact(f, kind, table.Intern("arg1"), facts.DirectionPre, 1))

	models := a.Finalize()
	assert.Len(t, models[f].Pre, 2)
}

func TestAssembler_CallableDeclarationContributesLocation(t *testing.T) {
	t.Parallel()

	table := intern.NewTable()
	f := table.Intern("pkg.f")
	file := table.Intern("pkg/f.py")

	a := NewAssembler()
	a.AddCondition(condFact(f, table.Intern("SQL"), table.Intern("arg0"), facts.DirectionPre, 0))
	a.AddCallable(&facts.CallableFact{Signature: f, File: file, Line: 12})

	models := a.Finalize()
	require.Contains(t, models, f)
	assert.Equal(t, file, models[f].File)
	assert.Equal(t, 12, models[f].Line)
}

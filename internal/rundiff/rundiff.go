// Package rundiff classifies the current run's issues against a previous
// run: new, existing, or resolved. The prior handle set comes from a
// pluggable source so callers can compare against a stored run, a handle
// list file, or nothing at all.
package rundiff

import (
	"context"
	"sort"
)

// Status classifies one issue handle relative to the prior run.
type Status string

const (
	StatusNew      Status = "new"
	StatusExisting Status = "existing"
	StatusResolved Status = "resolved"
)

// PriorHandles enumerates the issue handles of the comparison baseline.
// Implementations: a stored previous run, an explicit handle list, or
// Empty when there is no baseline.
type PriorHandles interface {
	Enumerate(ctx context.Context) ([]string, error)
}

// HandleList is a PriorHandles over an in-memory list.
type HandleList []string

// Enumerate returns the list unchanged.
func (l HandleList) Enumerate(context.Context) ([]string, error) {
	return l, nil
}

// Empty is the explicit no-baseline source: every current issue is new by
// definition, not by accident of a nil check.
var Empty PriorHandles = HandleList(nil)

// Result is the classification of one run against its baseline.
type Result struct {
	// ByHandle maps each current handle to new or existing.
	ByHandle map[string]Status
	// Resolved lists prior handles absent from the current run, sorted.
	// They attach to no current issue because the issue no longer exists.
	Resolved []string
}

// Counts returns how many current handles are new and existing.
func (r *Result) Counts() (newCount, existingCount int) {
	for _, s := range r.ByHandle {
		if s == StatusNew {
			newCount++
		} else {
			existingCount++
		}
	}
	return newCount, existingCount
}

// Diff classifies current handles against the prior source: a current
// handle absent from the prior set is new, present is existing; a prior
// handle absent from the current set is reported resolved.
func Diff(ctx context.Context, current []string, prior PriorHandles) (*Result, error) {
	priorHandles, err := prior.Enumerate(ctx)
	if err != nil {
		return nil, err
	}

	priorSet := make(map[string]bool, len(priorHandles))
	for _, h := range priorHandles {
		priorSet[h] = true
	}

	result := &Result{ByHandle: make(map[string]Status, len(current))}
	currentSet := make(map[string]bool, len(current))
	for _, h := range current {
		currentSet[h] = true
		if priorSet[h] {
			result.ByHandle[h] = StatusExisting
		} else {
			result.ByHandle[h] = StatusNew
		}
	}

	for _, h := range priorHandles {
		if !currentSet[h] {
			result.Resolved = append(result.Resolved, h)
		}
	}
	sort.Strings(result.Resolved)
	// Prior sources may repeat a handle; resolved reports each once.
	result.Resolved = dedupeSorted(result.Resolved)

	return result, nil
}

func dedupeSorted(sorted []string) []string {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, h := range sorted[1:] {
		if h != out[len(out)-1] {
			out = append(out, h)
		}
	}
	return out
}

package trace

import (
	"github.com/tracepost/tracepost/internal/intern"
)

// Trim reduces the issue's traces to the minimal subgraph in which every
// retained frame lies on at least one complete path between the issue
// callable and a true leaf. Breadth-first expansion admits dead branches
// (chains that never reach a distance-0 condition); trimming removes them
// with a two-pass reachability computation per direction and per kind:
//
//  1. keep only frames whose issue-side endpoint is reachable from the
//     issue callable over the trace's own frames,
//  2. keep only frames from which a leaf frame is still reachable.
//
// Frames of different kinds never complete each other's paths: a dead
// branch of one kind must not survive because another kind's leaf is
// reachable through the same nodes, so reachability runs inside each kind
// separately, matching the builder's per-kind expansion.
//
// Backward (sink) frames descend from the issue caller-to-callee; forward
// (source) frames ascend, so there the issue callable sits on the callee
// side and reachability runs callee-to-caller.
//
// Trim is idempotent: trimming an already-trimmed issue changes nothing.
func Trim(issue *Issue) {
	issue.Forward = trimFrames(issue.Callable, issue.Forward, true)
	issue.Backward = trimFrames(issue.Callable, issue.Backward, false)
}

func trimFrames(root intern.Handle, frames []*Frame, ascending bool) []*Frame {
	if len(frames) == 0 {
		return frames
	}

	byKind := make(map[intern.Handle][]*Frame)
	for _, f := range frames {
		byKind[f.Kind] = append(byKind[f.Kind], f)
	}
	keep := make(map[*Frame]bool, len(frames))
	for _, group := range byKind {
		markComplete(root, group, ascending, keep)
	}

	kept := frames[:0]
	for _, f := range frames {
		if keep[f] {
			kept = append(kept, f)
		}
	}
	// Drop the trimmed tail so later appends cannot resurrect it.
	for i := len(kept); i < len(frames); i++ {
		frames[i] = nil
	}
	return kept
}

// markComplete flags the frames of one kind that lie on a complete
// issue-to-leaf path.
func markComplete(root intern.Handle, frames []*Frame, ascending bool, keep map[*Frame]bool) {
	// near is the endpoint closer to the issue callable, far the endpoint
	// closer to the taint leaf.
	near := func(f *Frame) intern.Handle {
		if ascending {
			return f.Callee
		}
		return f.Caller
	}
	far := func(f *Frame) intern.Handle {
		if ascending {
			return f.Caller
		}
		return f.Callee
	}

	outgoing := make(map[intern.Handle][]*Frame)
	incoming := make(map[intern.Handle][]*Frame)
	for _, f := range frames {
		outgoing[near(f)] = append(outgoing[near(f)], f)
		incoming[far(f)] = append(incoming[far(f)], f)
	}

	// Pass 1: nodes reachable from the issue callable over this kind's
	// frames, moving toward the leaves.
	reachable := map[intern.Handle]bool{root: true}
	queue := []intern.Handle{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, f := range outgoing[n] {
			if !reachable[far(f)] {
				reachable[far(f)] = true
				queue = append(queue, far(f))
			}
		}
	}

	// Pass 2: nodes from which a leaf frame (distance 0) departs,
	// propagated back toward the issue callable.
	toLeaf := make(map[intern.Handle]bool)
	for _, f := range frames {
		if f.Distance == 0 && !toLeaf[near(f)] {
			toLeaf[near(f)] = true
			queue = append(queue, near(f))
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, f := range incoming[n] {
			if !toLeaf[near(f)] {
				toLeaf[near(f)] = true
				queue = append(queue, near(f))
			}
		}
	}

	// A frame survives when it sits on a complete issue-to-leaf path.
	for _, f := range frames {
		if !reachable[near(f)] {
			continue
		}
		if f.Distance != 0 && !toLeaf[far(f)] {
			continue
		}
		keep[f] = true
	}
}

// UsedCallables returns the set of callables referenced by the issues'
// retained frames and by the issues themselves. Models outside this set
// carry no trace content and are dropped when unused models are not
// stored.
func UsedCallables(issues []*Issue) map[intern.Handle]bool {
	used := make(map[intern.Handle]bool)
	for _, issue := range issues {
		used[issue.Callable] = true
		for _, f := range issue.Forward {
			used[f.Caller] = true
			used[f.Callee] = true
		}
		for _, f := range issue.Backward {
			used[f.Caller] = true
			used[f.Callee] = true
		}
	}
	return used
}

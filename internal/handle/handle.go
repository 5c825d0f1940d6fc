// Package handle computes stable, content-derived identities for issues.
// The identity must survive unrelated code churn between analysis runs:
// two runs reporting the same logical issue must produce byte-identical
// handles even when line numbers shift, fact arrival order differs, or
// unrelated models come and go.
package handle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/tracepost/tracepost/internal/intern"
	"github.com/tracepost/tracepost/internal/trace"
)

// Prefix marks every issue handle so stored handles are recognizable.
const Prefix = "ih:"

// DefaultBucketSize is the coarse location bucket width in lines. The
// handle includes line/bucketSize instead of the raw line number, so edits
// above an issue site move its handle only when they push it across a
// bucket boundary. Ten lines absorbs typical churn without merging
// distinct issues in the same function.
const DefaultBucketSize = 10

// HandleCollisionError reports two semantically distinct issues hashing to
// the same handle. This corrupts diff results, so it aborts the run.
type HandleCollisionError struct {
	Handle string
	First  intern.Handle // callable of the first issue seen with this handle
	Second intern.Handle // callable of the colliding issue
}

func (e *HandleCollisionError) Error() string {
	return fmt.Sprintf("issue handle collision on %s between callables %d and %d", e.Handle, e.First, e.Second)
}

// Generator derives issue handles. It only reads the intern table, so one
// generator may serve concurrent per-issue workers.
type Generator struct {
	table      *intern.Table
	bucketSize int
}

// NewGenerator creates a Generator reading text from table. bucketSize <= 0
// selects DefaultBucketSize.
func NewGenerator(table *intern.Table, bucketSize int) *Generator {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	return &Generator{table: table, bucketSize: bucketSize}
}

// BucketSize returns the configured bucket width.
func (g *Generator) BucketSize() int { return g.bucketSize }

// Handle computes the issue's stable identity: a sha256 over the callable
// signature, the sorted set of (source kind, sink kind) text pairs, the
// file path, and the coarse location bucket. Hashing resolves handles to
// text first, so the result is independent of intern handle numbering and
// therefore of fact arrival order.
func (g *Generator) Handle(issue *trace.Issue) string {
	pairs := g.kindPairs(issue)

	h := sha256.New()
	fmt.Fprintf(h, "callable=%s\n", g.table.Lookup(issue.Callable))
	for _, p := range pairs {
		fmt.Fprintf(h, "flow=%s\n", p)
	}
	fmt.Fprintf(h, "file=%s\n", g.table.Lookup(issue.File))
	fmt.Fprintf(h, "bucket=%d\n", issue.Line/g.bucketSize)

	return Prefix + hex.EncodeToString(h.Sum(nil))
}

// kindPairs returns the sorted, deduplicated cross product of source and
// sink kind names.
func (g *Generator) kindPairs(issue *trace.Issue) []string {
	seen := make(map[string]struct{})
	var pairs []string
	for _, src := range issue.SourceKinds {
		for _, snk := range issue.SinkKinds {
			p := g.table.Lookup(src) + "->" + g.table.Lookup(snk)
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			pairs = append(pairs, p)
		}
	}
	sort.Strings(pairs)
	return pairs
}

// Assign computes and stores the handle of every issue, then checks for
// collisions: distinct issues (different handle-relevant content) sharing
// a handle is a fatal consistency error.
func (g *Generator) Assign(issues []*trace.Issue) error {
	byHandle := make(map[string]*trace.Issue, len(issues))
	for _, issue := range issues {
		issue.Handle = g.Handle(issue)
		prev, ok := byHandle[issue.Handle]
		if !ok {
			byHandle[issue.Handle] = issue
			continue
		}
		if !g.sameIdentity(prev, issue) {
			return &HandleCollisionError{
				Handle: issue.Handle,
				First:  prev.Callable,
				Second: issue.Callable,
			}
		}
	}
	return nil
}

// sameIdentity reports whether two issues agree on every handle-relevant
// attribute; such duplicates legitimately share a handle.
func (g *Generator) sameIdentity(a, b *trace.Issue) bool {
	return a.Callable == b.Callable &&
		a.File == b.File &&
		a.Line/g.bucketSize == b.Line/g.bucketSize &&
		strings.Join(g.kindPairs(a), ",") == strings.Join(g.kindPairs(b), ",")
}

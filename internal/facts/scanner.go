package facts

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tracepost/tracepost/internal/intern"
)

// MalformedRecordError reports a structurally invalid analyzer record.
// Downstream assembly cannot trust a corrupted fact stream, so this aborts
// the run rather than skipping the record.
type MalformedRecordError struct {
	Index  int // zero-based record index in the stream
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed analyzer record %d: %s", e.Index, e.Reason)
}

// recordEnvelope is the common outer shape of every analyzer record.
type recordEnvelope struct {
	Kind    string `json:"kind"`
	Version int    `json:"version"`
}

// rawCallable mirrors the "callable" record wire format.
type rawCallable struct {
	Signature string `json:"signature"`
	File      string `json:"file"`
	Line      int    `json:"line"`
}

// rawCondition mirrors the "precondition" / "postcondition" wire format.
type rawCondition struct {
	Callable    string   `json:"callable"`
	Taint       string   `json:"taint"`
	Port        string   `json:"port"`
	Distance    int      `json:"distance"`
	Annotations []string `json:"annotations"`
}

// rawCall mirrors the "call" wire format.
type rawCall struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
	Port   string `json:"port"`
	Line   int    `json:"line"`
}

// rawIssue mirrors the "issue" wire format.
type rawIssue struct {
	Callable string   `json:"callable"`
	Sources  []string `json:"sources"`
	Sinks    []string `json:"sinks"`
	Message  string   `json:"message"`
	Code     string   `json:"code"`
	File     string   `json:"file"`
	Line     int      `json:"line"`
}

// rawMetadata mirrors the "metadata" wire format.
type rawMetadata struct {
	Fields map[string]string `json:"fields"`
}

// Scanner reads analyzer records one at a time, in the bufio.Scanner shape:
//
//	sc := facts.NewScanner(r, table)
//	for sc.Scan() {
//	    fact := sc.Fact()
//	    ...
//	}
//	if err := sc.Err(); err != nil { ... }
//
// The sequence is lazy, finite, and not restartable. Strings are interned
// into the supplied table as records are decoded.
type Scanner struct {
	lines *bufio.Scanner
	table *intern.Table
	index int
	fact  Fact
	err   error
}

// maxRecordBytes bounds a single record line. Analyzer messages can be
// long but a multi-megabyte single record indicates a broken stream.
const maxRecordBytes = 16 << 20

// NewScanner creates a Scanner over r interning into table.
func NewScanner(r io.Reader, table *intern.Table) *Scanner {
	lines := bufio.NewScanner(r)
	lines.Buffer(make([]byte, 0, 64<<10), maxRecordBytes)
	return &Scanner{lines: lines, table: table, index: -1}
}

// Scan advances to the next fact. It returns false at end of stream or on
// the first malformed record; Err distinguishes the two.
func (s *Scanner) Scan() bool {
	if s.err != nil {
		return false
	}
	for s.lines.Scan() {
		line := bytes.TrimSpace(s.lines.Bytes())
		if len(line) == 0 {
			continue
		}
		s.index++
		fact, err := s.parseRecord(line)
		if err != nil {
			s.err = err
			return false
		}
		s.fact = fact
		return true
	}
	if err := s.lines.Err(); err != nil {
		s.err = fmt.Errorf("failed to read analyzer stream: %w", err)
	}
	return false
}

// Fact returns the fact produced by the last successful Scan.
func (s *Scanner) Fact() Fact { return s.fact }

// Err returns the first error encountered, or nil at clean end of stream.
func (s *Scanner) Err() error { return s.err }

// Index returns the zero-based index of the last scanned record.
func (s *Scanner) Index() int { return s.index }

func (s *Scanner) parseRecord(line []byte) (Fact, error) {
	raw := json.RawMessage(append([]byte(nil), line...))

	var env recordEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &MalformedRecordError{Index: s.index, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if env.Kind == "" {
		return nil, &MalformedRecordError{Index: s.index, Reason: `missing "kind" field`}
	}

	switch env.Kind {
	case "callable":
		var rec rawCallable
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, s.malformed("invalid callable record: %v", err)
		}
		if rec.Signature == "" {
			return nil, s.malformed(`callable record missing "signature"`)
		}
		return &CallableFact{
			Signature: s.table.Intern(rec.Signature),
			File:      s.internOptional(rec.File),
			Line:      rec.Line,
			raw:       raw,
		}, nil

	case "precondition", "postcondition":
		var rec rawCondition
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, s.malformed("invalid %s record: %v", env.Kind, err)
		}
		if rec.Callable == "" {
			return nil, s.malformed(`%s record missing "callable"`, env.Kind)
		}
		if rec.Taint == "" {
			return nil, s.malformed(`%s record missing "taint"`, env.Kind)
		}
		if rec.Port == "" {
			return nil, s.malformed(`%s record missing "port"`, env.Kind)
		}
		if rec.Distance < 0 {
			return nil, s.malformed("%s record has negative distance %d", env.Kind, rec.Distance)
		}
		dir := DirectionPre
		if env.Kind == "postcondition" {
			dir = DirectionPost
		}
		var anns []intern.Handle
		for _, a := range rec.Annotations {
			anns = append(anns, s.table.Intern(a))
		}
		return &ConditionFact{
			Callable:    s.table.Intern(rec.Callable),
			Direction:   dir,
			Kind:        s.table.Intern(rec.Taint),
			Port:        s.table.Intern(rec.Port),
			Distance:    rec.Distance,
			Annotations: anns,
			raw:         raw,
		}, nil

	case "call":
		var rec rawCall
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, s.malformed("invalid call record: %v", err)
		}
		if rec.Caller == "" || rec.Callee == "" {
			return nil, s.malformed(`call record needs both "caller" and "callee"`)
		}
		return &CallFact{
			Caller: s.table.Intern(rec.Caller),
			Callee: s.table.Intern(rec.Callee),
			Port:   s.internOptional(rec.Port),
			Line:   rec.Line,
			raw:    raw,
		}, nil

	case "issue":
		var rec rawIssue
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, s.malformed("invalid issue record: %v", err)
		}
		if rec.Callable == "" {
			return nil, s.malformed(`issue record missing "callable"`)
		}
		if len(rec.Sources) == 0 || len(rec.Sinks) == 0 {
			return nil, s.malformed("issue record needs at least one source and one sink kind")
		}
		issue := &IssueFact{
			Callable: s.table.Intern(rec.Callable),
			Message:  s.internOptional(rec.Message),
			Code:     s.internOptional(rec.Code),
			File:     s.internOptional(rec.File),
			Line:     rec.Line,
			raw:      raw,
		}
		for _, k := range rec.Sources {
			issue.SourceKinds = append(issue.SourceKinds, s.table.Intern(k))
		}
		for _, k := range rec.Sinks {
			issue.SinkKinds = append(issue.SinkKinds, s.table.Intern(k))
		}
		return issue, nil

	case "metadata":
		var rec rawMetadata
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, s.malformed("invalid metadata record: %v", err)
		}
		return &MetadataFact{Fields: rec.Fields, raw: raw}, nil

	default:
		// Future record kind: preserve, do not fail.
		return &UnknownFact{Kind: env.Kind, raw: raw}, nil
	}
}

func (s *Scanner) malformed(format string, args ...any) *MalformedRecordError {
	return &MalformedRecordError{Index: s.index, Reason: fmt.Sprintf(format, args...)}
}

func (s *Scanner) internOptional(v string) intern.Handle {
	if v == "" {
		return intern.None
	}
	return s.table.Intern(v)
}

// Package export renders stored runs into external report formats.
package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/owenrumney/go-sarif/v2/sarif"

	"github.com/tracepost/tracepost/internal/storage"
)

const toolName = "tracepost"
const toolURI = "https://github.com/tracepost/tracepost"

// WriteSARIF renders a run's issues as a SARIF 2.1.0 report. Each distinct
// source/sink kind combination becomes a reporting rule; issue handles are
// carried as partial fingerprints so SARIF consumers can track identity
// across runs the same way the diff does.
func WriteSARIF(w io.Writer, issues []storage.StoredIssue) error {
	report, err := sarif.New(sarif.Version210)
	if err != nil {
		return fmt.Errorf("failed to create SARIF report: %w", err)
	}

	run := sarif.NewRunWithInformationURI(toolName, toolURI)
	seenRules := make(map[string]bool)
	for _, issue := range issues {
		ruleID := ruleID(issue)
		if !seenRules[ruleID] {
			seenRules[ruleID] = true
			run.AddRule(ruleID).
				WithDescription(ruleDescription(issue)).
				WithDefaultConfiguration(&sarif.ReportingConfiguration{
					Level: "error",
				})
		}

		location := sarif.NewLocation().WithPhysicalLocation(
			sarif.NewPhysicalLocation().
				WithArtifactLocation(sarif.NewArtifactLocation().WithUri(issue.File)).
				WithRegion(sarif.NewRegion().WithStartLine(issue.Line)),
		)

		result := sarif.NewRuleResult(ruleID).
			WithMessage(sarif.NewTextMessage(resultMessage(issue))).
			WithLevel(resultLevel(issue)).
			WithLocations([]*sarif.Location{location})
		result.PartialFingerprints = map[string]interface{}{
			"tracepost/v1": issue.Handle,
		}
		run.AddResult(result)
	}
	report.AddRun(run)

	if err := report.PrettyWrite(w); err != nil {
		return fmt.Errorf("failed to write SARIF report: %w", err)
	}
	return nil
}

// ruleID names the taint flow, e.g. "UserInput-to-SQL".
func ruleID(issue storage.StoredIssue) string {
	return strings.Join(issue.SourceKinds, "+") + "-to-" + strings.Join(issue.SinkKinds, "+")
}

func ruleDescription(issue storage.StoredIssue) string {
	return fmt.Sprintf("Data flow from %s into %s",
		strings.Join(issue.SourceKinds, ", "), strings.Join(issue.SinkKinds, ", "))
}

func resultMessage(issue storage.StoredIssue) string {
	if issue.Message != "" {
		return issue.Message
	}
	return fmt.Sprintf("%s flows into %s in %s",
		strings.Join(issue.SourceKinds, ", "), strings.Join(issue.SinkKinds, ", "), issue.Callable)
}

// resultLevel downgrades partial traces: an incomplete path is still worth
// reporting but should not gate a build the way a complete one does.
func resultLevel(issue storage.StoredIssue) string {
	if issue.Partial {
		return "warning"
	}
	return "error"
}

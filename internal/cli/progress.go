package cli

import (
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
)

// CLIProgressReporter shows fact ingestion progress as a spinner. The fact
// stream length is unknown up front, so the bar counts records instead of
// tracking a total.
type CLIProgressReporter struct {
	quiet bool
	bar   *progressbar.ProgressBar
}

// NewCLIProgressReporter creates a new CLI progress reporter.
func NewCLIProgressReporter(quiet bool) *CLIProgressReporter {
	return &CLIProgressReporter{quiet: quiet}
}

func (c *CLIProgressReporter) OnRecord(index int) {
	if c.quiet {
		return
	}
	if c.bar == nil {
		c.bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("Reading facts"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("records/s"),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSpinnerType(14),
		)
	}
	c.bar.Add(1)
}

func (c *CLIProgressReporter) OnParsed(records, issues int) {
	if c.quiet {
		return
	}
	if c.bar != nil {
		c.bar.Finish()
		fmt.Println()
	}
	fmt.Printf("Parsed %d records, %d issues\n", records, issues)
}

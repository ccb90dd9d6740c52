package probe

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JakeFAU/skycam-collector/internal/collector"
)

// Health is the overall verdict of a verification run.
type Health string

// Health levels.
const (
	Healthy  Health = "HEALTHY"
	Degraded Health = "DEGRADED"
	Critical Health = "CRITICAL"
)

// Classify maps a working/total tally to a Health. An empty tally is Critical.
func Classify(working, total int) Health {
	if total <= 0 {
		return Critical
	}
	switch pct := working * 100; {
	case pct >= 80*total:
		return Healthy
	case pct >= 50*total:
		return Degraded
	default:
		return Critical
	}
}

// CategoryReport aggregates one category.
type CategoryReport struct {
	Category string                  `json:"category"`
	Label    string                  `json:"label"`
	Total    int                     `json:"total"`
	Working  int                     `json:"working"`
	Failed   int                     `json:"failed"`
	Results  []collector.ProbeResult `json:"results"`
}

func (c *CategoryReport) add(r collector.ProbeResult) {
	c.Total++
	if r.Success {
		c.Working++
	} else {
		c.Failed++
	}
	c.Results = append(c.Results, r)
}

// FailedDetails lists the failing probes.
func (c CategoryReport) FailedDetails() []collector.ProbeResult {
	var out []collector.ProbeResult
	for _, r := range c.Results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

// Report aggregates a whole verification run.
type Report struct {
	StartedAt  time.Time        `json:"started_at"`
	Timeout    time.Duration    `json:"-"`
	Categories []CategoryReport `json:"categories"`
	Total      int              `json:"total"`
	Working    int              `json:"working"`
	Failed     int              `json:"failed"`
}

func (r *Report) add(c CategoryReport) {
	r.Categories = append(r.Categories, c)
	r.Total += c.Total
	r.Working += c.Working
	r.Failed += c.Failed
}

// Percent is the working share in percent, 0 for an empty report.
func (r Report) Percent() float64 {
	return percent(r.Working, r.Total)
}

// Health classifies the overall tally.
func (r Report) Health() Health {
	return Classify(r.Working, r.Total)
}

// ExitCode is 1 only for a Critical report.
func (r Report) ExitCode() int {
	if r.Health() == Critical {
		return 1
	}
	return 0
}

func percent(working, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(working) / float64(total) * 100
}

var (
	doubleRule = strings.Repeat("=", 70)
	singleRule = strings.Repeat("-", 70)
)

// Render prints the human-readable report. Verbose adds one line per source
// and a list of failing sources.
func Render(w io.Writer, r Report, verbose bool) {
	fmt.Fprintln(w, doubleRule)
	fmt.Fprintf(w, "Sky Camera Source Verification - %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintln(w, doubleRule)
	fmt.Fprintln(w)

	for _, c := range r.Categories {
		fmt.Fprintf(w, "Testing %s (%d sources)...\n", c.Label, c.Total)
		if verbose {
			fmt.Fprintln(w)
			for _, res := range c.Results {
				fmt.Fprintln(w, resultLine(res))
			}
		} else {
			fmt.Fprintf(w, "  ✓ Working: %d, ✗ Failed: %d\n", c.Working, c.Failed)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, doubleRule)
	fmt.Fprintln(w, "SUMMARY")
	fmt.Fprintln(w, doubleRule)
	for _, c := range r.Categories {
		fmt.Fprintln(w, tallyLine(c.Label, c.Working, c.Total))
	}
	fmt.Fprintln(w, singleRule)
	fmt.Fprintln(w, tallyLine("TOTAL", r.Working, r.Total))
	fmt.Fprintln(w, doubleRule)

	if verbose && r.Failed > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "FAILED SOURCES:")
		fmt.Fprintln(w, singleRule)
		for _, c := range r.Categories {
			failed := c.FailedDetails()
			if len(failed) == 0 {
				continue
			}
			fmt.Fprintf(w, "\n%s:\n", c.Label)
			for _, f := range failed {
				fmt.Fprintf(w, "  • %s\n    URL: %s\n    Error: %s\n", f.SourceID, f.URL, f.Error)
			}
		}
	}

	fmt.Fprintln(w)
	switch r.Health() {
	case Critical:
		fmt.Fprintln(w, "⚠ WARNING: Less than 50% of sources are working!")
	case Degraded:
		fmt.Fprintf(w, "⚠ NOTICE: %.1f%% of sources are working.\n", r.Percent())
	default:
		fmt.Fprintf(w, "✓ SUCCESS: %.1f%% of sources are working!\n", r.Percent())
	}
}

func resultLine(res collector.ProbeResult) string {
	if res.Success {
		return fmt.Sprintf("  ✓ %s: %d, %d bytes", res.SourceID, res.StatusCode, res.SizeBytes)
	}
	return fmt.Sprintf("  ✗ %s: %s", res.SourceID, res.Error)
}

func tallyLine(label string, working, total int) string {
	dots := 40 - len([]rune(label))
	if dots < 0 {
		dots = 0
	}
	return fmt.Sprintf("%s%s %3d/%-3d (%5.1f%%)", label, strings.Repeat(".", dots), working, total, percent(working, total))
}

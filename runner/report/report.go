// Package report renders a run result for people.
package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"tangled.sh/tangled.sh/matrix/runner/models"
)

// Write prints one row per job followed by the allowed failures, the fatal
// failures and a final RESULT line.
func Write(w io.Writer, res models.RunResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "#\tJOB\tSTATUS\tFAILED STEP\tDURATION\tLOG")
	for _, o := range res.Outcomes {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			o.Job.Index,
			o.Job.Name,
			Status(o),
			failedStep(o),
			o.Duration().Round(time.Millisecond),
			humanize.Bytes(uint64(o.LogBytes)),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	var allowed, fatal []models.JobOutcome
	for _, o := range res.Outcomes {
		switch {
		case models.IsFatal(o.Status, o.Job.AllowedToFail):
			fatal = append(fatal, o)
		case o.Status == models.StatusKindFailedAllowed,
			o.Status == models.StatusKindCancelled:
			allowed = append(allowed, o)
		}
	}

	if len(allowed) > 0 {
		fmt.Fprintf(w, "\nallowed failures (%d):\n", len(allowed))
		for _, o := range allowed {
			fmt.Fprintf(w, "  %s: %s\n", o.Job.Name, detail(o))
		}
	}
	if len(fatal) > 0 {
		fmt.Fprintf(w, "\nfailures (%d):\n", len(fatal))
		for _, o := range fatal {
			fmt.Fprintf(w, "  %s: %s\n", o.Job.Name, detail(o))
		}
	}

	if res.Early {
		fmt.Fprintln(w, "\nfinished early (fast_finish)")
	}

	_, err := fmt.Fprintf(w, "\nRESULT: %s\n", strings.ToUpper(string(res.Overall)))
	return err
}

// Status is the status column for a job.
func Status(o models.JobOutcome) string {
	switch o.Status {
	case models.StatusKindFailedAllowed:
		return "failed (allowed)"
	case models.StatusKindCancelled:
		if o.Job.AllowedToFail {
			return "cancelled (allowed)"
		}
	}
	return string(o.Status)
}

func failedStep(o models.JobOutcome) string {
	if o.FailedStep < 0 || o.FailedStep >= len(o.Job.Steps) {
		return "-"
	}
	s := o.Job.Steps[o.FailedStep]
	return fmt.Sprintf("%d (%s)", o.FailedStep, s.Phase)
}

func detail(o models.JobOutcome) string {
	if o.Status == models.StatusKindCancelled {
		return "cancelled"
	}
	var parts []string
	if o.FailedStep >= 0 && o.FailedStep < len(o.Job.Steps) {
		parts = append(parts, fmt.Sprintf("%s step %q", o.Job.Steps[o.FailedStep].Phase, o.Job.Steps[o.FailedStep].Command))
	}
	if o.Error != "" {
		parts = append(parts, o.Error)
	} else {
		parts = append(parts, fmt.Sprintf("exit code %d", o.ExitCode))
	}
	return strings.Join(parts, ": ")
}

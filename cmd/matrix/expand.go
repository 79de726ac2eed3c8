package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/matrix/runner"
)

type expandedJob struct {
	Index         int      `json:"index"`
	Name          string   `json:"name"`
	AllowedToFail bool     `json:"allowed_to_fail"`
	Included      bool     `json:"included"`
	Steps         []string `json:"steps"`
}

func expandCommand() *cli.Command {
	return &cli.Command{
		Name:  "expand",
		Usage: "print the jobs a matrix expands to without running them",
		Flags: []cli.Flag{
			fileFlag(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print jobs as JSON",
			},
		},
		Action: expand,
	}
}

func expand(ctx context.Context, cmd *cli.Command) error {
	_, jobs, err := runner.LoadJobs(ctx, cmd.String("file"))
	if err != nil {
		return cli.Exit(err.Error(), runner.ExitConfigError)
	}

	out := make([]expandedJob, 0, len(jobs))
	for _, j := range jobs {
		ej := expandedJob{
			Index:         j.Index,
			Name:          j.Name,
			AllowedToFail: j.AllowedToFail,
			Included:      j.Included,
			Steps:         []string{},
		}
		for _, s := range j.Steps {
			ej.Steps = append(ej.Steps, fmt.Sprintf("%s: %s", s.Phase, s.Command))
		}
		out = append(out, ej)
	}

	w := cmd.Root().Writer
	if cmd.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tJOB\tALLOW FAILURE\tSTEPS")
	for _, j := range out {
		fmt.Fprintf(tw, "%d\t%s\t%v\t%s\n", j.Index, j.Name, j.AllowedToFail, strings.Join(j.Steps, "; "))
	}
	return tw.Flush()
}

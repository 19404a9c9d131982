// Command workflowctl manages workflow definitions and runs the deadline sweeper.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type cli struct {
	Config string `short:"c" help:"Path to the YAML configuration file." type:"existingfile" env:"WORKFLOW_CONFIG"`

	Validate validateCmd `cmd:"" help:"Validate definition documents."`
	Load     loadCmd     `cmd:"" help:"Store definition documents, activating flagged versions."`
	Start    startCmd    `cmd:"" help:"Start an instance for an entity."`
	Submit   submitCmd   `cmd:"" help:"Submit an action on an instance."`
	Sweep    sweepCmd    `cmd:"" help:"Run one deadline sweep and print the report."`
	Serve    serveCmd    `cmd:"" help:"Run the sweep scheduler and metrics endpoint until interrupted."`
	Timeline timelineCmd `cmd:"" help:"Print the timeline of an instance."`
	Export   exportCmd   `cmd:"" help:"Print an instance snapshot as JSON."`
	Import   importCmd   `cmd:"" help:"Import an instance snapshot."`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "workflowctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var app cli
	parser, err := kong.New(&app,
		kong.Name("workflowctl"),
		kong.Description("Approval workflow engine tooling."),
		kong.Writers(out, out),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(&globals{configPath: app.Config, out: out})
}

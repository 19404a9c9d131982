package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/engine"
	"github.com/goliatone/go-workflow/scheduler"
)

type validateCmd struct {
	Files []string `arg:"" help:"Definition documents (YAML or JSON)." type:"existingfile"`
}

func (c *validateCmd) Run(g *globals) error {
	failed := 0
	for _, path := range c.Files {
		set, err := workflow.LoadDefinitionSet(path)
		if err != nil {
			failed++
			fmt.Fprintf(g.out, "FAIL %s\n", path)
			var defErr *workflow.DefinitionError
			if errors.As(err, &defErr) {
				for _, issue := range defErr.Issues {
					fmt.Fprintf(g.out, "  - %s\n", issue)
				}
			} else {
				fmt.Fprintf(g.out, "  - %v\n", err)
			}
			continue
		}
		fmt.Fprintf(g.out, "OK   %s (%d definitions)\n", path, len(set.Definitions))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed validation", failed, len(c.Files))
	}
	return nil
}

type loadCmd struct {
	Files []string `arg:"" help:"Definition documents to store." type:"existingfile"`
}

func (c *loadCmd) Run(g *globals) error {
	ctx := context.Background()
	rt, err := g.runtime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	for _, path := range c.Files {
		set, err := workflow.LoadDefinitionSet(path)
		if err != nil {
			return err
		}
		defs, err := rt.engine.LoadDefinitionSet(ctx, set)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		for _, def := range defs {
			state := "inactive"
			if def.Active {
				state = "active"
			}
			fmt.Fprintf(g.out, "%s\t%s\tv%d\t%s\n", def.ID, def.Name, def.Version, state)
		}
	}
	return nil
}

type startCmd struct {
	Definition string            `required:"" help:"Definition id."`
	EntityType string            `required:"" help:"Entity type (finding, action, audit, corrective_action)."`
	EntityID   string            `required:"" help:"Entity id."`
	Actor      string            `required:"" help:"User starting the instance."`
	Metadata   map[string]string `help:"Entity metadata snapshot (key=value)."`
}

func (c *startCmd) Run(g *globals) error {
	ctx := context.Background()
	rt, err := g.runtime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	entityType, err := workflow.ParseEntityType(c.EntityType)
	if err != nil {
		return err
	}
	req := engine.StartRequest{
		DefinitionID: c.Definition,
		Entity:       workflow.EntityRef{Type: entityType, ID: c.EntityID},
		ActorID:      c.Actor,
	}
	if len(c.Metadata) > 0 {
		req.Metadata = workflow.Metadata{}
		for k, v := range c.Metadata {
			req.Metadata[k] = v
		}
	}
	res, err := rt.engine.Start(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(g, res)
}

type submitCmd struct {
	Instance string `arg:"" help:"Instance id."`
	Action   string `arg:"" help:"Action to submit."`
	Actor    string `required:"" help:"Acting user."`
	Comment  string `help:"Comment stored on the timeline."`
	Version  int    `help:"Expected instance version; zero skips the check."`
}

func (c *submitCmd) Run(g *globals) error {
	ctx := context.Background()
	rt, err := g.runtime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	action, err := workflow.ParseAction(c.Action)
	if err != nil {
		return err
	}
	res, err := rt.engine.SubmitAction(ctx, engine.SubmitRequest{
		InstanceID:      c.Instance,
		Action:          action,
		ActorID:         c.Actor,
		Comment:         c.Comment,
		ExpectedVersion: c.Version,
	})
	if err != nil {
		return err
	}
	return printJSON(g, res)
}

type sweepCmd struct{}

func (c *sweepCmd) Run(g *globals) error {
	ctx := context.Background()
	rt, err := g.runtime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	report, err := rt.sweeper().Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.out, "scanned=%d reminded=%d escalated=%d overdue=%d skipped=%d failed=%d took=%s\n",
		report.Scanned, report.Reminded, report.Escalated, report.Overdue, report.Skipped, report.Failed,
		report.FinishedAt.Sub(report.StartedAt))
	for _, err := range report.Errors {
		fmt.Fprintf(g.out, "  - %v\n", err)
	}
	return nil
}

type serveCmd struct {
	ShutdownTimeout time.Duration `default:"30s" help:"Time allowed for an in-flight sweep on shutdown."`
}

func (c *serveCmd) Run(g *globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := g.runtime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var srv *http.Server
	if rt.registry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: rt.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("metrics server: %v", err)
			}
		}()
	}

	sched := scheduler.New(rt.sweeper(), scheduler.Config{
		Interval:     rt.cfg.Scheduler.Interval,
		Expression:   rt.cfg.Scheduler.Expression,
		SweepTimeout: rt.cfg.Scheduler.SweepTimeout,
	})
	if err := sched.Start(ctx); err != nil {
		return err
	}
	rt.logger.Info("next sweep at %s", sched.Next().Format(time.RFC3339))

	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdown); err != nil {
			rt.logger.Warn("metrics server shutdown: %v", err)
		}
	}
	return sched.Stop(shutdown)
}

type timelineCmd struct {
	Instance string `arg:"" help:"Instance id."`
	JSON     bool   `help:"Print entries as JSON."`
}

func (c *timelineCmd) Run(g *globals) error {
	ctx := context.Background()
	rt, err := g.runtime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	entries, err := rt.engine.Timeline(ctx, c.Instance)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(g, entries)
	}
	for _, e := range entries {
		fmt.Fprintf(g.out, "%4d  %s  %-8s %-10s %-10s %s\n",
			e.Sequence, e.Timestamp.Format(time.RFC3339), e.Action, e.StepID, e.Actor, e.Comment)
	}
	return nil
}

type exportCmd struct {
	Instance string `arg:"" help:"Instance id."`
}

func (c *exportCmd) Run(g *globals) error {
	ctx := context.Background()
	rt, err := g.runtime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	snap, err := rt.engine.Export(ctx, c.Instance)
	if err != nil {
		return err
	}
	data, err := workflow.MarshalSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(g.out, string(data))
	return err
}

type importCmd struct {
	File string `arg:"" help:"Snapshot JSON file." type:"existingfile"`
}

func (c *importCmd) Run(g *globals) error {
	ctx := context.Background()
	data, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	snap, err := workflow.UnmarshalSnapshot(data)
	if err != nil {
		return err
	}
	rt, err := g.runtime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.engine.Import(ctx, snap); err != nil {
		return err
	}
	fmt.Fprintf(g.out, "imported %s\n", snap.Instance.ID)
	return nil
}

func printJSON(g *globals, v any) error {
	enc := json.NewEncoder(g.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

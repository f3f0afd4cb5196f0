package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/boardkit/boardkit/executor"
	"github.com/boardkit/boardkit/shutdown"
	"github.com/boardkit/boardkit/stats"
	"github.com/boardkit/boardkit/worker"
)

func (a *app) cmdWorker(args []string) int {
	flags := flag.NewFlagSet("worker", flag.ContinueOnError)
	network := flags.String("network", "", "network to join (default from config)")
	poll := flags.Duration("poll", 0, "override poll interval")
	window := flags.Int("window", 0, "override scan window")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if err := a.requireIdentity(); err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: %v\n", err)
		return 1
	}
	reg, err := a.connect(*network)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: %v\n", err)
		return 1
	}

	wcfg := worker.DefaultConfig()
	wcfg.Identity = a.identity
	wcfg.Registry = reg
	wcfg.Executor = executor.NewLocalExecutor(executor.DefaultConfig())
	wcfg.Logger = a.log
	wcfg.Bus = a.bus
	if d := a.cfg.Worker.PollInterval.Std(); d > 0 {
		wcfg.PollInterval = d
	}
	if a.cfg.Worker.Window > 0 {
		wcfg.Window = a.cfg.Worker.Window
	}
	if d := a.cfg.Worker.JitterMax.Std(); d > 0 {
		wcfg.JitterMax = d
	}
	if *poll > 0 {
		wcfg.PollInterval = *poll
	}
	if *window > 0 {
		wcfg.Window = *window
	}

	agent, err := worker.NewAgent(wcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: worker: %v\n", err)
		return 1
	}

	rcfg := stats.ReporterConfig{
		Source:   agent,
		Registry: reg,
		Logger:   a.log,
	}
	if d := a.cfg.Stats.Interval.Std(); d > 0 {
		rcfg.Interval = d
	}
	if a.bus != nil {
		rcfg.Publisher = a.bus
	}
	reporter, err := stats.NewReporter(rcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: worker: %v\n", err)
		return 1
	}

	ctx := context.Background()
	if err := agent.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: worker: %v\n", err)
		return 1
	}
	if err := reporter.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: worker: %v\n", err)
		_ = agent.Stop()
		return 1
	}

	scfg := shutdown.DefaultConfig()
	scfg.OnProgress = func(hr shutdown.HandlerResult) {
		fields := map[string]interface{}{
			"handler":  hr.Name,
			"duration": hr.Duration.String(),
		}
		if hr.Err != nil {
			fields["error"] = hr.Err.Error()
			a.log.Warn("shutdown handler failed", fields)
			return
		}
		a.log.Debug("shutdown handler done", fields)
	}
	coord := shutdown.NewCoordinator(scfg)
	coord.RegisterFuncWithPhase("stats", func(ctx context.Context) error {
		return reporter.Stop()
	}, shutdown.PhaseObservers)
	coord.RegisterFuncWithPhase("agent", func(ctx context.Context) error {
		return agent.Stop()
	}, shutdown.PhaseAgents)
	coord.RegisterFuncWithPhase("registry", func(ctx context.Context) error {
		a.Close()
		return nil
	}, shutdown.PhaseRegistry)
	coord.HandleSignals()

	a.log.Info("worker running", map[string]interface{}{
		"identity": string(a.identity),
		"network":  a.network,
		"poll":     wcfg.PollInterval.String(),
		"window":   wcfg.Window,
	})

	<-coord.Done()

	if result := coord.Result(); result != nil && result.Failed() {
		fmt.Fprintf(os.Stderr, "boardkit: shutdown incomplete: %v (failed: %s)\n",
			result.Err, strings.Join(result.FailedHandlers(), ", "))
		return 1
	}
	a.log.Info("worker stopped", map[string]interface{}{
		"identity": string(a.identity),
	})
	return 0
}

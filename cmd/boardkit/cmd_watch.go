package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/boardkit/boardkit/board"
	"github.com/boardkit/boardkit/notify"
	"github.com/boardkit/boardkit/stats"
)

func (a *app) cmdWatch(args []string) int {
	flags := flag.NewFlagSet("watch", flag.ContinueOnError)
	network := flags.String("network", "", "network to watch (default from config)")
	jsonOut := flags.Bool("json", false, "JSON output (one object per line)")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if _, err := a.connect(*network); err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: %v\n", err)
		return 1
	}
	if a.bus == nil {
		fmt.Fprintf(os.Stderr,
			"boardkit: watch needs notifications; set nats_url on network %q\n", a.network)
		return 1
	}

	sub, err := a.bus.Subscribe(notify.KindAll)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: watch: %v\n", err)
		return 1
	}
	defer sub.Unsubscribe()

	// Staleness warnings ride on the same status beacons.
	monitor, err := stats.NewMonitor(stats.MonitorConfig{
		Bus:    a.bus,
		Logger: a.log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: watch: %v\n", err)
		return 1
	}
	monitor.OnStale(func(id board.Identity) {
		fmt.Fprintf(os.Stderr, "worker %s went silent\n", id)
	})
	if err := monitor.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: watch: %v\n", err)
		return 1
	}
	defer monitor.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	fmt.Fprintf(os.Stderr, "watching %s (ctrl-c to stop)\n", a.network)

	for {
		select {
		case <-sig:
			fmt.Fprintln(os.Stderr, "\nstopped")
			return 0
		case n, ok := <-sub.Notifications():
			if !ok {
				fmt.Fprintln(os.Stderr, "boardkit: watch: notification stream closed")
				return 1
			}
			if *jsonOut {
				b, _ := json.Marshal(n)
				fmt.Println(string(b))
				continue
			}
			fmt.Println(formatNotification(n))
		}
	}
}

func formatNotification(n *notify.Notification) string {
	ts := n.At.Local().Format("15:04:05")
	switch n.Kind {
	case notify.KindTaskCreated:
		return fmt.Sprintf("[%s] created   task %d (%s) by %s reward=%s",
			ts, n.TaskID, n.FuncType, n.Requester, n.Reward)
	case notify.KindTaskClaimed:
		return fmt.Sprintf("[%s] claimed   task %d by %s", ts, n.TaskID, n.Worker)
	case notify.KindTaskCompleted:
		return fmt.Sprintf("[%s] completed task %d by %s reward=%s",
			ts, n.TaskID, n.Worker, n.Reward)
	case notify.KindWorkerStatus:
		if n.Status == nil {
			return fmt.Sprintf("[%s] status    %s", ts, n.Worker)
		}
		return fmt.Sprintf("[%s] status    %s claims=%d last=%d spendable=%s accrued=%s",
			ts, n.Worker, n.Status.ActiveClaims, n.Status.LastProcessed,
			n.Status.Spendable, n.Status.Accrued)
	default:
		return fmt.Sprintf("[%s] %s task=%d worker=%s", ts, n.Kind, n.TaskID, n.Worker)
	}
}

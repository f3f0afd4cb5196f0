package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/boardkit/boardkit/board"
)

func (a *app) cmdSubmit(args []string) int {
	flags := flag.NewFlagSet("submit", flag.ContinueOnError)
	network := flags.String("network", "", "network to post to (default from config)")
	rewardStr := flags.String("reward", "0", "reward in credits, e.g. 0.1")
	await := flags.Bool("await", false, "wait for a worker to complete the task")
	timeout := flags.Duration("timeout", 2*time.Minute, "how long -await waits")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: boardkit submit <funcType> <data> [-reward X] [-await]")
		return 1
	}

	funcType := flags.Arg(0)
	data := strings.Join(flags.Args()[1:], " ")

	reward, err := board.ParseAmount(*rewardStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: submit: reward %q: %v\n", *rewardStr, err)
		return 1
	}

	reg, err := a.connect(*network)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: %v\n", err)
		return 1
	}
	client, err := a.client(reg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: %v\n", err)
		return 1
	}

	ctx := context.Background()
	id, err := client.Submit(ctx, funcType, []byte(data), reward)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: submit: %v\n", err)
		return 1
	}

	if !*await {
		if *jsonOut {
			printJSON(map[string]interface{}{
				"task_id": id, "func_type": funcType, "reward": reward.String(),
			})
		} else {
			fmt.Printf("posted task %d (%s, reward %s)\n", id, funcType, reward)
		}
		return 0
	}

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	result, err := client.AwaitResult(waitCtx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: task %d: %v\n", id, err)
		return 1
	}
	if *jsonOut {
		printJSON(map[string]interface{}{
			"task_id": id, "result": string(result),
		})
	} else {
		fmt.Printf("task %d completed: %s\n", id, result)
	}
	return 0
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/boardkit/boardkit/board"
)

// taskView is the JSON shape for show and latest output.
type taskView struct {
	ID          uint64     `json:"id"`
	Requester   string     `json:"requester"`
	Worker      string     `json:"worker,omitempty"`
	FuncType    string     `json:"func_type"`
	Data        string     `json:"data"`
	Result      string     `json:"result,omitempty"`
	Status      string     `json:"status"`
	Reward      string     `json:"reward"`
	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func viewOf(t *board.Task) taskView {
	return taskView{
		ID:          uint64(t.ID),
		Requester:   string(t.Requester),
		Worker:      string(t.Worker),
		FuncType:    t.FuncType,
		Data:        string(t.Data),
		Result:      string(t.Result),
		Status:      taskStatus(t),
		Reward:      t.Reward.String(),
		CreatedAt:   t.CreatedAt,
		ClaimedAt:   t.ClaimedAt,
		CompletedAt: t.CompletedAt,
	}
}

func (a *app) cmdShow(args []string) int {
	flags := flag.NewFlagSet("show", flag.ContinueOnError)
	network := flags.String("network", "", "network to query (default from config)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: boardkit show <id> [-json]")
		return 1
	}

	id, err := strconv.ParseUint(flags.Arg(0), 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: show: bad task id %q\n", flags.Arg(0))
		return 1
	}

	reg, err := a.connect(*network)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: %v\n", err)
		return 1
	}

	task, err := reg.GetTask(context.Background(), board.TaskID(id))
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: show: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(viewOf(task))
		return 0
	}

	fmt.Printf("task %d  [%s]\n", task.ID, taskStatus(task))
	fmt.Printf("  func:      %s\n", task.FuncType)
	fmt.Printf("  data:      %s\n", task.Data)
	fmt.Printf("  reward:    %s\n", task.Reward)
	fmt.Printf("  requester: %s\n", task.Requester)
	if task.Claimed() {
		fmt.Printf("  worker:    %s\n", task.Worker)
	}
	if task.Completed {
		fmt.Printf("  result:    %s\n", task.Result)
	}
	fmt.Printf("  created:   %s\n", task.CreatedAt.Format(time.RFC3339))
	if task.ClaimedAt != nil {
		fmt.Printf("  claimed:   %s\n", task.ClaimedAt.Format(time.RFC3339))
	}
	if task.CompletedAt != nil {
		fmt.Printf("  completed: %s\n", task.CompletedAt.Format(time.RFC3339))
	}
	return 0
}

func (a *app) cmdLatest(args []string) int {
	flags := flag.NewFlagSet("latest", flag.ContinueOnError)
	network := flags.String("network", "", "network to query (default from config)")
	n := flags.Int("n", 8, "how many of the newest tasks to show")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	reg, err := a.connect(*network)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: %v\n", err)
		return 1
	}

	tasks, err := reg.GetLatestTasks(context.Background(), *n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: latest: %v\n", err)
		return 1
	}

	if *jsonOut {
		views := make([]taskView, len(tasks))
		for i, t := range tasks {
			views[i] = viewOf(t)
		}
		printJSON(views)
		return 0
	}

	if len(tasks) == 0 {
		fmt.Println("board is empty")
		return 0
	}
	for _, t := range tasks {
		line := fmt.Sprintf("#%-4d %-10s [%s] reward=%s by %s",
			t.ID, t.FuncType, taskStatus(t), t.Reward, t.Requester)
		if t.Claimed() {
			line += " worker=" + string(t.Worker)
		}
		fmt.Println(line)
	}
	return 0
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/boardkit/boardkit/board"
)

func (a *app) cmdBoard(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: boardkit board <fund|stats> [flags]")
		return 1
	}

	switch args[0] {
	case "fund":
		return a.cmdBoardFund(args[1:])
	case "stats":
		return a.cmdBoardStats(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "boardkit: board: unknown subcommand %q\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: boardkit board <fund|stats> [flags]")
		return 1
	}
}

// cmdBoardFund is the out-of-band faucet: it credits spendable funds
// directly, consuming no nonce and no fee. Agents need funding before
// their first call can clear admission.
func (a *app) cmdBoardFund(args []string) int {
	flags := flag.NewFlagSet("board fund", flag.ContinueOnError)
	network := flags.String("network", "", "network to fund on (default from config)")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: boardkit board fund <identity> <amount>")
		return 1
	}

	id := board.Identity(flags.Arg(0))
	amount, err := board.ParseAmount(flags.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: board fund: amount %q: %v\n", flags.Arg(1), err)
		return 1
	}

	reg, err := a.connect(*network)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: %v\n", err)
		return 1
	}

	ctx := context.Background()
	if err := reg.Fund(ctx, id, amount); err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: board fund: %v\n", err)
		return 1
	}

	spendable, err := reg.SpendableFunds(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: board fund: %v\n", err)
		return 1
	}
	fmt.Printf("funded %s with %s credits (spendable now %s)\n", id, amount, spendable)
	return 0
}

func (a *app) cmdBoardStats(args []string) int {
	flags := flag.NewFlagSet("board stats", flag.ContinueOnError)
	network := flags.String("network", "", "network to inspect (default from config)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	reg, err := a.connect(*network)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: %v\n", err)
		return 1
	}

	ctx := context.Background()
	total, err := reg.TaskCount(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: board stats: %v\n", err)
		return 1
	}
	fee, err := reg.SuggestedFee(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: board stats: %v\n", err)
		return 1
	}

	// Count lifecycle states over the newest tasks. The window is a
	// bounded sample, the same view a polling worker has of the board.
	const sample = 100
	window, err := reg.GetLatestTasks(ctx, sample)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: board stats: %v\n", err)
		return 1
	}
	var open, claimed, completed int
	var escrowed, paid board.Amount
	for _, t := range window {
		switch {
		case t.Completed:
			completed++
			paid += t.Reward
		case t.Claimed():
			claimed++
			escrowed += t.Reward
		default:
			open++
			escrowed += t.Reward
		}
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"network":     a.network,
			"total_tasks": total,
			"fee_floor":   fee.String(),
			"sampled":     len(window),
			"open":        open,
			"claimed":     claimed,
			"completed":   completed,
			"escrowed":    escrowed.String(),
			"paid":        paid.String(),
		})
		return 0
	}

	fmt.Printf("board %s\n", a.network)
	fmt.Printf("  tasks:     %d total\n", total)
	fmt.Printf("  fee floor: %s credits/call\n", fee)
	if len(window) > 0 {
		fmt.Printf("  newest %d: %d open, %d claimed, %d completed\n",
			len(window), open, claimed, completed)
		fmt.Printf("  escrowed:  %s credits still held\n", escrowed)
		fmt.Printf("  paid out:  %s credits\n", paid)
	}
	return 0
}

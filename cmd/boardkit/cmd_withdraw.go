package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/boardkit/boardkit/board"
)

func (a *app) cmdWithdraw(args []string) int {
	flags := flag.NewFlagSet("withdraw", flag.ContinueOnError)
	network := flags.String("network", "", "network to withdraw on (default from config)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
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
	moved, err := client.Withdraw(ctx)
	if errors.Is(err, board.ErrNoBalance) {
		fmt.Fprintln(os.Stderr, "boardkit: nothing to withdraw")
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: withdraw: %v\n", err)
		return 1
	}

	spendable, err := reg.SpendableFunds(ctx, a.identity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: withdraw: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"withdrawn": moved.String(), "spendable": spendable.String(),
		})
	} else {
		fmt.Printf("withdrew %s credits (spendable now %s)\n", moved, spendable)
	}
	return 0
}

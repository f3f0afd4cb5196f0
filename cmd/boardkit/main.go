// Command boardkit runs and inspects an off-chain task board: requesters
// post priced tasks, workers race to claim them, execute the payloads,
// and submit results for the escrowed reward.
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("boardkit", version)
		return
	case "init":
		// init mints credentials; it never opens a registry.
		os.Exit(cmdInit(os.Args[2:]))
	}

	a, err := newApp()
	if err != nil {
		fatal("%v", err)
	}
	defer a.Close()

	switch os.Args[1] {
	case "worker":
		os.Exit(a.cmdWorker(os.Args[2:]))
	case "submit":
		os.Exit(a.cmdSubmit(os.Args[2:]))
	case "show":
		os.Exit(a.cmdShow(os.Args[2:]))
	case "latest":
		os.Exit(a.cmdLatest(os.Args[2:]))
	case "withdraw":
		os.Exit(a.cmdWithdraw(os.Args[2:]))
	case "watch":
		os.Exit(a.cmdWatch(os.Args[2:]))
	case "board":
		os.Exit(a.cmdBoard(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "boardkit: unknown command %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Run 'boardkit --help' for usage.")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`boardkit — off-chain task execution over an on-chain style board

Requesters post priced tasks to a shared board. Workers poll it, race
to claim open tasks, execute the payloads locally, and submit results
for the escrowed reward. The board is the only coordination point.

Usage:
  boardkit <command> [flags]

Setup:
  init [-role R]                Mint an identity credential (0400 file)

Commands:
  worker                        Run a worker agent until SIGINT/SIGTERM
  submit <funcType> <data>      Post a task (-reward X, -await)
  show <id>                     Print one task
  latest [-n K]                 Print the newest K tasks
  withdraw                      Move accrued rewards into spendable funds
  watch                         Stream board notifications (needs NATS)
  board fund <identity> <amt>   Credit spendable funds (faucet)
  board stats                   Board totals and fee floor

Environment:
  BOARDKIT_CONFIG         Config file path (default: boardkit.toml, then
                          ~/.config/boardkit/config.toml)
  BOARDKIT_NETWORK        Network name (default: default_network from config)
  BOARDKIT_IDENTITY       Identity literal (overrides the credential file)
  BOARDKIT_IDENTITY_FILE  Identity credential file path

All commands that touch a board accept -network <name>.
Function types: echo, double, square, fibonacci, factorial, isprime, sha256.

Exit codes:
  0  success
  1  error
`)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "boardkit: "+format+"\n", args...)
	os.Exit(1)
}

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/boardkit/boardkit/board"
	"github.com/boardkit/boardkit/config"
)

const starterConfig = `# boardkit configuration.
# Select a network with -network or BOARDKIT_NETWORK.

default_network = "local"

# In-process board, gone when the process exits. Good for trying the
# CLI with 'boardkit submit -await'.
[networks.local]
backend = "memory"

# Shared on-disk board for multiple processes on one host.
#
# [networks.shared]
# backend = "sqlite"
# path = "~/.boardkit/shared.db"
# nats_url = "nats://127.0.0.1:4222"

# Networked board.
#
# [networks.prod]
# backend = "redis"
# addr = "127.0.0.1:6379"
# nats_url = "nats://127.0.0.1:4222"

[worker]
poll_interval = "3s"
window = 8
jitter_max = "2s"

[stats]
interval = "30s"
`

func cmdInit(args []string) int {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	role := flags.String("role", "worker", "identity role prefix (worker, requester)")
	path := flags.String("path", "", "identity file path (default: ~/.config/boardkit/identity.toml)")
	skipConfig := flags.Bool("skip-config", false, "don't write a starter config file")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	existing, source, err := config.LoadIdentity()
	if err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: init: %v\n", err)
		return 1
	}
	if existing != board.Unclaimed {
		if source == "" {
			source = "environment"
		}
		fmt.Printf("identity already present: %s (%s)\n", existing, source)
		return 0
	}

	target := *path
	if target == "" {
		paths := config.IdentityPaths()
		target = paths[0]
		if len(paths) > 1 {
			target = paths[1]
		}
	}

	id := config.NewIdentity(*role)
	if err := config.SaveIdentityFile(target, id); err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: init: %v\n", err)
		return 1
	}
	fmt.Printf("minted identity %s\n", id)
	fmt.Printf("  saved to %s (mode 0400)\n", target)

	if !*skipConfig {
		if _, cfgPath, err := config.Load(); err == nil && cfgPath == "" {
			writeStarterConfig()
		}
	}

	fmt.Println()
	fmt.Println("next steps:")
	fmt.Println("  boardkit board fund", id, "1    # give the identity fee money")
	fmt.Println("  boardkit worker                # start polling for tasks")
	fmt.Println("  boardkit submit double 21 -reward 0.1 -await")
	return 0
}

// writeStarterConfig creates ~/.config/boardkit/config.toml when no
// config exists anywhere. Failure is reported but not fatal; the
// defaults work without a file.
func writeStarterConfig() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	dir := filepath.Join(home, ".config", "boardkit")
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: config: %v\n", err)
		return
	}
	path := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "boardkit: config: %v\n", err)
		return
	}
	fmt.Printf("  wrote starter config to %s\n", path)
}

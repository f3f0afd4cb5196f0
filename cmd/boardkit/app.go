package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/boardkit/boardkit/board"
	"github.com/boardkit/boardkit/config"
	"github.com/boardkit/boardkit/ledger"
	"github.com/boardkit/boardkit/logging"
	"github.com/boardkit/boardkit/notify"
	"github.com/boardkit/boardkit/requester"
)

// app holds shared state for all CLI subcommands.
type app struct {
	cfg      *config.Config
	cfgPath  string
	identity board.Identity
	log      *logging.Logger

	// Set by connect, released by Close.
	reg     board.Registry
	bus     notify.Bus
	network string
}

// newApp loads configuration and identity. It opens no connections;
// commands call connect with their -network flag for that.
func newApp() (*app, error) {
	cfg, cfgPath, err := config.Load()
	if err != nil {
		return nil, err
	}
	id, _, err := config.LoadIdentity()
	if err != nil {
		return nil, err
	}
	// Structured logs go to stderr; stdout belongs to command output.
	log := logging.New()
	log.SetOutput(os.Stderr)
	return &app{
		cfg:      cfg,
		cfgPath:  cfgPath,
		identity: id,
		log:      log,
	}, nil
}

// Close releases the registry and bus, if connect opened them.
func (a *app) Close() {
	if a.reg != nil {
		_ = a.reg.Close()
		a.reg = nil
	}
	if a.bus != nil {
		_ = a.bus.Close()
		a.bus = nil
	}
}

// connect resolves the network and opens its board backend, plus the
// NATS bus when the network configures one. The bus doubles as the
// ledger's notification publisher so other processes see this one's
// transitions.
func (a *app) connect(networkFlag string) (board.Registry, error) {
	net, name, err := a.cfg.ResolveNetwork(networkFlag)
	if err != nil {
		return nil, err
	}
	a.network = name

	lcfg := ledger.DefaultConfig()
	if net.NATSURL != "" {
		bus, err := notify.NewNATSBus(notify.NATSConfig{
			URL:  net.NATSURL,
			Name: "boardkit-" + string(a.identity),
		})
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", net.NATSURL, err)
		}
		a.bus = bus
		lcfg.Publisher = bus
	}

	switch net.Backend {
	case config.BackendMemory:
		a.reg = ledger.NewMemoryLedger(lcfg)
	case config.BackendSQLite:
		reg, err := ledger.NewSQLiteLedger(net.Path, lcfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite board %q: %w", net.Path, err)
		}
		a.reg = reg
	case config.BackendBolt:
		reg, err := ledger.NewBoltLedger(net.Path, lcfg)
		if err != nil {
			return nil, fmt.Errorf("open bolt board %q: %w", net.Path, err)
		}
		a.reg = reg
	case config.BackendRedis:
		rcfg := ledger.DefaultRedisConfig()
		rcfg.Config = lcfg
		rcfg.Addr = net.Addr
		rcfg.Password = net.Password
		rcfg.DB = net.DB
		reg, err := ledger.NewRedisLedger(rcfg)
		if err != nil {
			return nil, fmt.Errorf("connect redis board %q: %w", net.Addr, err)
		}
		a.reg = reg
	default:
		return nil, fmt.Errorf("network %q: unknown backend %q", name, net.Backend)
	}
	return a.reg, nil
}

// requireIdentity fails commands that make board calls without one.
func (a *app) requireIdentity() error {
	if a.identity == board.Unclaimed {
		return fmt.Errorf("no identity: run 'boardkit init' or set %s", config.EnvIdentity)
	}
	return nil
}

// client returns a requester client bound to the app's identity.
func (a *app) client(reg board.Registry) (*requester.Client, error) {
	if err := a.requireIdentity(); err != nil {
		return nil, err
	}
	return requester.NewClient(requester.Config{
		Identity: a.identity,
		Registry: reg,
		Logger:   a.log,
	})
}

// taskStatus renders a task's lifecycle position.
func taskStatus(t *board.Task) string {
	switch {
	case t.Completed:
		return "completed"
	case t.Claimed():
		return "claimed"
	default:
		return "open"
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

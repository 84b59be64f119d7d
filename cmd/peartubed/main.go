// Command peartubed runs a PearTube P2P data-plane node: it joins the
// swarm overlay, gossips known channels, serves prefetch/seeding/blob
// requests, and exposes the control plane described in spec.md §6 over a
// websocket. Subcommands let an operator drive a running node from the
// terminal without a UI shell.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/urfave/cli.v1"

	"github.com/ayooooo123/peartube-sub004/config"
)

var (
	dataDirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for drives, seeding DB, and config",
		Value: "./peartube-data",
	}
	listenFlag = cli.StringFlag{
		Name:  "listen",
		Usage: "Swarm listen address",
		Value: "0.0.0.0:0",
	}
	controlFlag = cli.StringFlag{
		Name:  "control",
		Usage: "Control-plane websocket address",
		Value: "127.0.0.1:8745",
	}
	verbosityFlag = cli.StringFlag{
		Name:  "verbosity",
		Usage: "Log level: trace, debug, info, warn, error",
		Value: "info",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "peartubed"
	app.Usage = "PearTube P2P video data-plane node"
	app.Flags = []cli.Flag{dataDirFlag, listenFlag, controlFlag, verbosityFlag}
	app.Action = runAction
	app.Commands = []cli.Command{
		runCommand,
		feedCommand,
		seedingCommand,
		identityCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var runCommand = cli.Command{
	Name:   "run",
	Usage:  "Run the node (default action)",
	Flags:  []cli.Flag{dataDirFlag, listenFlag, controlFlag, verbosityFlag},
	Action: runAction,
}

// configPath follows the cmd/gprobe flag-then-context-then-config pattern:
// the config file always lives inside the (possibly flag-overridden) data
// directory, so datadir must resolve before config.Load runs.
func configPath(ctx *cli.Context) string {
	return filepath.Join(ctx.String(dataDirFlag.Name), "config.toml")
}

func runAction(ctx *cli.Context) error {
	cfg, err := config.Load(configPath(ctx))
	if err != nil {
		return err
	}

	// datadir locates the config file itself, so the flag (or its default)
	// always wins rather than whatever was last saved to disk.
	cfg.DataDir = ctx.String(dataDirFlag.Name)
	if ctx.IsSet(listenFlag.Name) {
		cfg.ListenAddr = ctx.String(listenFlag.Name)
	}
	if ctx.IsSet(controlFlag.Name) {
		cfg.ControlPlaneAddr = ctx.String(controlFlag.Name)
	}
	if ctx.IsSet(verbosityFlag.Name) {
		cfg.Verbosity = ctx.String(verbosityFlag.Name)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}
	if err := config.Save(configPath(ctx), cfg); err != nil {
		return err
	}

	return startNode(nodeOptions{
		dataDir:             cfg.DataDir,
		listenAddr:          cfg.ListenAddr,
		controlAddr:         cfg.ControlPlaneAddr,
		maxConcurrentBlocks: cfg.MaxConcurrentBlocks,
		blobCacheBytes:      cfg.BlobCacheBytes,
		verbosity:           cfg.Verbosity,
	})
}

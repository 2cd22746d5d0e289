// Package app is the batchsync command line: flag parsing, logging setup and
// the wiring of settings into the transfer components.
package app

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/chmdznr/batchsync/pkg/version"
)

// New builds the CLI application.
func New() *cli.App {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	return &cli.App{
		Name:                 "batchsync",
		Usage:                "Copy unreleased batch folders from the QA share to the drive mirror",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Settings file (default: settings.json on the search path)",
				EnvVars: []string{"BATCHSYNC_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides logging.level)",
			},
			&cli.BoolFlag{
				Name:  "test-mode",
				Usage: "Skip the VPN check",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					w := c.App.Writer
					fmt.Fprintf(w, "Version:    %s\n", version.Version)
					fmt.Fprintf(w, "Git commit: %s\n", version.GitCommit)
					fmt.Fprintf(w, "Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:  "run",
				Usage: "Run one transfer workflow",
				Flags: append(runFlags(),
					&cli.BoolFlag{
						Name:  "interactive",
						Usage: "Press q or Esc to stop the run",
					},
				),
				Action: runAction,
			},
			{
				Name:  "watch",
				Usage: "Run the workflow on a cron schedule until interrupted",
				Flags: append(runFlags(),
					&cli.StringFlag{
						Name:     "schedule",
						Usage:    `Cron expression, e.g. "0 7 * * 1-5" or "@every 2h"`,
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "now",
						Usage: "Also run once at startup",
					},
				),
				Action: watchAction,
			},
			{
				Name:   "status",
				Usage:  "Show ledger statistics and the last run",
				Action: statusAction,
			},
			{
				Name:   "pending",
				Usage:  "List files of a batch whose last transfer failed",
				Flags:  []cli.Flag{batchFlag()},
				Action: pendingAction,
			},
			{
				Name:  "mark-complete",
				Usage: "Mark a failed transfer as resolved",
				Flags: []cli.Flag{
					batchFlag(),
					&cli.StringFlag{
						Name:     "file",
						Usage:    "File path relative to the batch folder",
						Required: true,
					},
				},
				Action: markCompleteAction,
			},
			{
				Name:  "prune",
				Usage: "Remove ledger records older than the retention period",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "days",
						Usage: "Retention in days (default: ledger.retention_days)",
					},
				},
				Action: pruneAction,
			},
			{
				Name:   "manifest",
				Usage:  "Preview the unreleased batches the next run would consider",
				Action: manifestAction,
			},
			{
				Name:  "vpn",
				Usage: "Check or control the VPN connection",
				Subcommands: []*cli.Command{
					{Name: "status", Usage: "Show the connection status", Action: vpnStatusAction},
					{Name: "connect", Usage: "Connect with retries", Action: vpnConnectAction},
					{Name: "disconnect", Usage: "Disconnect", Action: vpnDisconnectAction},
				},
			},
		},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "workers",
			Usage: "Number of batches synced in parallel (default: sync.workers)",
		},
		&cli.BoolFlag{
			Name:  "progress",
			Usage: "Show per-batch progress bars",
		},
	}
}

func batchFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "batch",
		Usage:    "Batch ID",
		Required: true,
	}
}

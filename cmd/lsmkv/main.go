package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/nconghau/lsmkv/internal/config"
	"github.com/nconghau/lsmkv/internal/lsm"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, ColorRed+"Error:"+ColorReset, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := &cli.App{
		Name:  "lsmkv",
		Usage: "LSM-tree key-value store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
				Value:   "lsmkv.yaml",
				EnvVars: []string{"LSMKV_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "data directory (overrides db.dir)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "shell",
				Usage:  "Start the interactive shell",
				Action: runShell,
			},
		},
		// No subcommand opens the shell.
		Action: runShell,
	}
	for _, c := range commands {
		c := c
		app.Commands = append(app.Commands, &cli.Command{
			Name:      c.name,
			Usage:     c.usage,
			ArgsUsage: c.argsUsage,
			Action: func(ctx *cli.Context) error {
				return withSession(ctx, func(s *session) error {
					return c.call(s, ctx.Args().Slice())
				})
			},
		})
	}
	return app
}

// withSession loads config, opens the engine for the duration of fn and
// closes it afterwards.
func withSession(ctx *cli.Context, fn func(s *session) error) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	if dir := ctx.String("dir"); dir != "" {
		cfg.DB.Dir = dir
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	db, err := lsm.Open(context.Background(), cfg.DB.Dir, cfg.Options(logger))
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	s := &session{db: db, out: ctx.App.Writer, txnID: uuid.NewString()}

	runErr := fn(s)
	if err := db.Close(); err != nil && runErr == nil {
		runErr = errors.Wrap(err, "close database")
	}
	return runErr
}

func runShell(ctx *cli.Context) error {
	return withSession(ctx, func(s *session) error {
		slog.Info("Starting lsmkv shell", "pid", os.Getpid(), "go", runtime.Version(), "txn", s.txnID)
		printUsage(s)

		rl, err := readline.NewEx(&readline.Config{
			Prompt:          ColorYellow + "> " + ColorReset,
			HistoryFile:     "/tmp/lsmkv.history",
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
			AutoComplete:    completer{s: s},
		})
		if err != nil {
			return errors.Wrap(err, "init readline")
		}
		defer rl.Close()

		RunCLI(s, rl)
		return nil
	})
}

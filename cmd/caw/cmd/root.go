// Package cmd defines the caw command line. The daemon itself lives in
// internal/daemon; this package only parses flags, resolves config and
// wires the process together.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/cawhq/caw/internal/config"
	"github.com/cawhq/caw/internal/daemon"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/rpc"
	"github.com/cawhq/caw/internal/service"
	"github.com/cawhq/caw/internal/spawner"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/tools"
)

var (
	serverMode  bool
	logLevel    string
	logFormat   string
	agentBinary string

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "caw",
	Short: "Workflow orchestration daemon for fleets of coding agents",
	Long: `caw plans multi-task workflows, stores their state in SQLite and
spawns coding agents to execute them. It exposes every operation as a
tool over JSON-RPC, on stdio for the launching client and on HTTP for
the agents it spawns.

Run 'caw --server' to start serving; without it this help is printed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !serverMode {
			return cmd.Help()
		}
		return runServer(cmd)
	},
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
}

func init() {
	f := rootCmd.Flags()
	f.BoolVar(&serverMode, "server", false, "start the server")
	f.String("transport", string(config.TransportStdio), "RPC transport (stdio, http)")
	f.Int("port", config.DefaultPort, "HTTP port for agent connections")
	f.String("db-mode", string(config.DBModeRepository), "database placement (global, repository)")
	f.String("repo-path", "", "repository the database belongs to (db-mode repository)")
	f.String("db-path", "", "explicit database path, overrides db-mode")
	f.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&logFormat, "log-format", "auto", "log format (auto, text, json)")
	f.StringVar(&agentBinary, "agent-binary", "", "coding agent executable (default: CAW_AGENT_BINARY or claude)")

	_ = viper.BindPFlag("transport", f.Lookup("transport"))
	_ = viper.BindPFlag("port", f.Lookup("port"))
	_ = viper.BindPFlag("db_mode", f.Lookup("db-mode"))
	_ = viper.BindPFlag("repo_path", f.Lookup("repo-path"))
	_ = viper.BindPFlag("db_path", f.Lookup("db-path"))
}

func runServer(cobraCmd *cobra.Command) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	// stdout belongs to the stdio transport; logs always go to stderr.
	log := logging.New(logging.Config{
		Level:  logLevel,
		Format: logFormat,
		Output: os.Stderr,
	})

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := service.New(st, log)
	runner := spawner.NewExecRunner(filepath.Dir(cfg.DBPath), log)
	spawners := spawner.NewRegistry(svc, runner, log)
	registry := tools.NewRegistry(tools.Deps{
		Services:    svc,
		Spawners:    spawners,
		Log:         log,
		Port:        cfg.Port,
		AgentBinary: agentBinary,
	})
	httpSrv := rpc.NewHTTPServer(registry, log)
	d := daemon.New(cfg, svc, spawners, httpSrv, log)

	ctx, stop := signal.NotifyContext(cobraCmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(gctx)
	})
	if cfg.Transport == config.TransportStdio {
		g.Go(func() error {
			stdio := rpc.NewStdioServer(rpc.NewDispatcher(registry, log), log)
			err := stdio.Serve(gctx, os.Stdin, os.Stdout)
			// stdin EOF means the launching client went away; shut the
			// whole process down.
			stop()
			return err
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// Package main is the entrypoint for the sentinel tool-call enforcement proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/config"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/policy"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/server"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Exit codes.
const (
	exitOK         = 0
	exitError      = 1
	exitNotAllowed = 3
)

// errNotAllowed makes `check` exit with exitNotAllowed after printing the
// response.
var errNotAllowed = errors.New("call not allowed")

// startable is anything that can be started and shut down with a context;
// satisfied by *server.Server.
type startable interface {
	Start(ctx context.Context) error
}

// serverFactory creates a startable server from config. Tests inject a
// failing factory to cover the server.New error path.
type serverFactory func(ctx context.Context, cfg *config.Config, configPath string) (startable, func(), error)

// defaultServerFactory builds the real server and, when enabled, its config
// reloader. The returned func stops the reloader.
func defaultServerFactory(ctx context.Context, cfg *config.Config, configPath string) (startable, func(), error) {
	srv, err := server.New(ctx, cfg, Version)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Reload.Enabled {
		return srv, func() {}, nil
	}
	reloader := srv.NewReloader(configPath)
	if err := reloader.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("starting config reloader: %w", err)
	}
	return srv, reloader.Stop, nil
}

// cli carries the streams and hooks shared by every subcommand.
type cli struct {
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	newServer  serverFactory
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr, newServer: defaultServerFactory}
	return c.execute(args)
}

func (c *cli) execute(args []string) int {
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetIn(c.stdin)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	err := root.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errNotAllowed):
		return exitNotAllowed
	default:
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return exitError
	}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sentinel",
		Short:         "Tool-call security enforcement proxy",
		Long:          `sentinel sits between autonomous agents and their gateway and decides, per tool call, whether the call is allowed, blocked or needs human approval.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("sentinel {{.Version}}\n")
	root.PersistentFlags().StringVar(&c.configPath, "config", "sentinel.yaml", "path to configuration file")

	root.AddCommand(
		c.serveCmd(),
		c.validateCmd(),
		c.initCmd(),
		c.checkCmd(),
		c.capabilityCmd(),
		c.versionCmd(),
	)
	return root
}

// cliLogger is the logger for short-lived subcommands: text to stderr,
// warnings and above.
func (c *cli) cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			// Graceful shutdown on SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, stopReload, err := c.newServer(ctx, cfg, c.configPath)
			if err != nil {
				return fmt.Errorf("server initialization error: %w", err)
			}
			defer stopReload()

			return srv.Start(ctx)
		},
	}
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and the policy it references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			set, err := policy.LoadFile(cfg.Policy.File)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config valid (policy %q, %d rules)\n", set.Name, len(set.Rules))
			return nil
		},
	}
}

func (c *cli) initCmd() *cobra.Command {
	var (
		profile string
		dir     string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate sentinel.yaml and policy.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfgYAML, policyYAML string
			switch profile {
			case "dev":
				cfgYAML, policyYAML = config.DevProfile(), config.DevPolicy()
			case "prod":
				cfgYAML, policyYAML = config.ProdProfile(), config.ProdPolicy()
			default:
				return fmt.Errorf("unknown profile %q (use dev or prod)", profile)
			}

			files := []struct{ name, content string }{
				{"sentinel.yaml", cfgYAML},
				{config.PolicyFileName, policyYAML},
			}
			if !force {
				for _, f := range files {
					p := filepath.Join(dir, f.name)
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s already exists (use --force to overwrite)", p)
					}
				}
			}
			for _, f := range files {
				p := filepath.Join(dir, f.name)
				if err := atomic.WriteFile(p, strings.NewReader(f.content)); err != nil {
					return fmt.Errorf("writing %s: %w", p, err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated %s and %s with profile %q\n",
				filepath.Join(dir, "sentinel.yaml"), filepath.Join(dir, config.PolicyFileName), profile)
			return nil
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "dev", "configuration profile (dev or prod)")
	cmd.Flags().StringVar(&dir, "dir", ".", "directory to write the files into")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sentinel %s\n", Version)
		},
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zenquiem/codex-accounts-switch/pkg/codex"
	"github.com/zenquiem/codex-accounts-switch/pkg/desktop"
	"github.com/zenquiem/codex-accounts-switch/pkg/logger"
	"github.com/zenquiem/codex-accounts-switch/pkg/presenter"
	"github.com/zenquiem/codex-accounts-switch/pkg/registry"
	"github.com/zenquiem/codex-accounts-switch/pkg/version"
	"github.com/zenquiem/codex-accounts-switch/pkg/webui"
)

func init() {
	viper.SetEnvPrefix("CAS")
	viper.AutomaticEnv()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "codex-accounts-switch",
		Short: "Manage multiple Codex CLI accounts and their sessions",
		Long: `codex-accounts-switch keeps separate Codex CLI credential homes per
account, binds projects to accounts, and launches Codex terminals with the
right credentials. It ships a local web UI and an optional desktop window.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.SetLogLevel(viper.GetString("log_level")); err != nil {
				return err
			}
			logger.SetLogFormat(viper.GetString("log_format"))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			mode := viper.GetString("mode")
			switch mode {
			case "desktop":
				return runDesktop(ctx, cmd.Flags().Changed("port"))
			case "web":
				return runWeb(ctx)
			default:
				return fmt.Errorf("unknown mode %q, expected desktop or web", mode)
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("mode", "desktop", "Run mode: desktop (app window) or web (plain server)")
	flags.String("host", "127.0.0.1", "Host to bind the web server to")
	flags.Int("port", 18420, "Port to bind the web server to (0 picks a free port in desktop mode)")
	flags.String("data-root", "", "Data root directory (defaults to ~/.local/share/codex-accounts-switch)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "fmt", "Log format (fmt, json)")

	flags.VisitAll(func(flag *pflag.Flag) {
		viper.BindPFlag(strings.ReplaceAll(flag.Name, "-", "_"), flag)
	})

	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				out, err := info.JSON()
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			}
			fmt.Println(info.String())
			return nil
		},
	}
	versionCmd.Flags().Bool("json", false, "Output version information as JSON")
	return versionCmd
}

func runDesktop(ctx context.Context, portFlagSet bool) error {
	config := desktop.Config{
		Host:     viper.GetString("host"),
		DataRoot: viper.GetString("data_root"),
	}
	// The desktop shell prefers an ephemeral port unless one was set
	// explicitly; the web default is not forced on it.
	if portFlagSet {
		config.Port = viper.GetInt("port")
	}
	return desktop.Run(ctx, config)
}

func runWeb(ctx context.Context) error {
	store, err := registry.Open(viper.GetString("data_root"))
	if err != nil {
		return err
	}

	serverConfig := &webui.ServerConfig{
		Host: viper.GetString("host"),
		Port: viper.GetInt("port"),
	}
	server, err := webui.NewServer(ctx, serverConfig, store, codex.NewOps())
	if err != nil {
		return err
	}

	presenter.Info("Press Ctrl+C to stop the server")
	return server.Start(ctx)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		presenter.Error(err, "command failed")
		os.Exit(1)
	}
}

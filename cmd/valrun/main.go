package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	core "github.com/3cpo-dev/valrun/internal/core"
	"github.com/3cpo-dev/valrun/internal/logging"
)

var (
	version   = "0.3.0"
	commit    = ""
	buildDate = ""
)

// exitInterrupted is the conventional status for a run stopped by SIGINT.
const exitInterrupted = 130

// app carries the state shared by all subcommands after the root pre-run.
type app struct {
	cfg       core.Config
	logCloser io.Closer
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "valrun",
		Short: "valrun: run validation scripts in dependency order",
		Long: "valrun discovers validation steering scripts, orders them by their declared inputs and outputs " +
			"and runs them locally or on a batch cluster, skipping everything downstream of a failure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "", "Set console log level. Available: debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/valrun/config.yaml)")
	cmd.PersistentFlags().String("env-file", "", "dotenv file with the release environment (default release.env)")

	cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
		cfgPath, _ := c.Flags().GetString("config")
		cfg, err := core.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		if lvl, _ := c.Flags().GetString("log"); lvl != "" {
			cfg.Logging.Level = lvl
		}
		closer, err := logging.Setup(logging.Options{
			Level:      cfg.Logging.Level,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
		if err != nil {
			return err
		}
		a.logCloser = closer

		if f, _ := c.Flags().GetString("env-file"); f != "" {
			cfg.EnvFile = f
		}
		if err := core.LoadEnv(cfg.EnvFile); err != nil {
			return err
		}
		cfg.ApplyEnv()
		a.cfg = cfg
		return nil
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newListCmd(a))
	cmd.AddCommand(newRuntimesCmd(a))
	cmd.AddCommand(newHistoryCmd(a))
	cmd.AddCommand(newCompletionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("valrun %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish]",
		Short:     "Generate shell completion scripts",
		Args:      cobra.ExactValidArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish"},
		RunE: func(cmd *cobra.Command, args []string) error {
			root := cmd.Root()
			switch args[0] {
			case "bash":
				return root.GenBashCompletionV2(os.Stdout, true)
			case "zsh":
				return root.GenZshCompletion(os.Stdout)
			default:
				return root.GenFishCompletion(os.Stdout, true)
			}
		},
	}
}

func main() {
	a := &app{}
	root := newRootCmd(a)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := exitCode(root.ExecuteContext(ctx))
	stop()
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
	if code != 0 {
		os.Exit(code)
	}
}

// exitCode reports err and maps it to the process status. Dispatched jobs
// are left running on interruption.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		log.Warn().Msg("validation terminated by user")
		return exitInterrupted
	default:
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
}

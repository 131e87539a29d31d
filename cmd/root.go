// cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cdpdriver/internal/browser/chromium"
	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
	"github.com/xkilldash9x/cdpdriver/internal/config"
	"github.com/xkilldash9x/cdpdriver/internal/driver"
	"github.com/xkilldash9x/cdpdriver/internal/observability"
)

// newLauncher builds the browser launcher for a command run.
// Tests replace it with an in-memory engine.
var newLauncher = func(cfg config.BrowserConfig, logger *zap.Logger) engine.Launcher {
	return chromium.NewLauncher(cfg, logger)
}

// app carries what PersistentPreRunE resolved to the subcommands.
type app struct {
	cfgFile string
	timeout time.Duration
	cfg     *config.Config
}

// Execute runs the root command with ctx, which main wires to SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed.", zap.Error(err))
	}
	observability.Sync()
	return err
}

// NewRootCommand builds a fresh command tree. Each call gets its own flags
// and configuration.
func NewRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:          "cdpdriver",
		Short:        "Drives a Chrome browser over the DevTools Protocol.",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, a.cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return err
			}
			a.cfg = cfg

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Configuration loaded.", zap.String("version", Version))
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./cdpdriver.yaml)")
	flags.DurationVar(&a.timeout, "timeout", 0, "overall time limit for the command (0 for none)")
	flags.Bool("headless", true, "run the browser without a window")
	flags.String("app-host", "", "base URL that relative paths resolve against")
	flags.String("save-path", "", "directory for screenshots and downloads")

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.AddCommand(newProbeCmd(a), newScreenshotCmd(a), newVersionCmd())
	return rootCmd
}

// initializeConfig reads the config file and environment into v and binds
// the root flags over them.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("cdpdriver")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CDPDRIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	flags := cmd.Root().PersistentFlags()
	for key, name := range map[string]string{
		"browser.headless": "headless",
		"driver.app_host":  "app-host",
		"driver.save_path": "save-path",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

// withSession runs fn against a new driver session and always quits it.
func (a *app) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *driver.Session) error) (err error) {
	ctx := cmd.Context()
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	logger := observability.GetLogger()
	s := driver.NewSession(a.cfg, newLauncher(a.cfg.Browser(), logger), logger)
	defer func() {
		if qerr := s.Quit(context.WithoutCancel(ctx)); qerr != nil {
			logger.Warn("Session did not shut down cleanly.", zap.Error(qerr))
			if err == nil {
				err = qerr
			}
		}
	}()
	return fn(ctx, s)
}

func exitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return 1
}

// Main is the process entry point used by main.go.
func Main(ctx context.Context) {
	os.Exit(exitCode(Execute(ctx)))
}

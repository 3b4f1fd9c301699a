// Command halalcert runs the halal certification agents as a service and
// exposes one-shot commands for classification, workflows and certificates.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/halalcert/internal/config"
	"github.com/normanking/halalcert/internal/logging"
	"github.com/normanking/halalcert/internal/system"
)

var (
	cfgPath    string
	verbose    bool
	jsonOutput bool
	noColor    bool

	cfg       *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "halalcert",
		Short: "Halal certification agents",
		Long: `halalcert classifies product ingredients, drives certification
stages and issues signed certificates.

Run the service:       halalcert serve
Classify ingredients:  halalcert analyze "water, sugar, gelatin"
Issue a certificate:   halalcert workflow run classify-and-certify --input @product.json
Configuration:         halalcert config show`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: initCLI,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				_ = logCloser.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.halalcert/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "halalcert %s\n", system.Version)
		},
	})

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(certificateCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())

	return rootCmd
}

// initCLI loads the configuration and sets up logging. One-shot commands
// log warnings only unless --verbose is set.
func initCLI(cmd *cobra.Command, args []string) error {
	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	} else {
		lipgloss.SetColorProfile(termenv.EnvColorProfile())
	}

	path, err := configPath()
	if err != nil {
		return err
	}
	cfg, err = config.LoadFromPath(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	opts := cfg.Logging.Options()
	switch {
	case verbose:
		opts.Level = "debug"
	case cmd.Name() != "serve":
		opts.Level = "warn"
	}
	logger, logCloser, err = logging.Setup(opts)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	logger.Debug().Str("config", path).Msg("configuration loaded")
	return nil
}

func configPath() (string, error) {
	if cfgPath != "" {
		return cfgPath, nil
	}
	return config.DefaultPath()
}

// withSystem starts an in-process system for one command and shuts it down
// afterwards.
func withSystem(ctx context.Context, fn func(*system.System) error) error {
	sys, err := system.New(cfg, system.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := sys.Start(ctx); err != nil {
		_ = sys.Shutdown(context.Background())
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sys.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()
	return fn(sys)
}

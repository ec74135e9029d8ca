package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/acheong08/npm-sentinel/internal/analysis"
	"github.com/acheong08/npm-sentinel/internal/config"
	"github.com/acheong08/npm-sentinel/internal/observability"
	"github.com/acheong08/npm-sentinel/internal/registry"
	"github.com/acheong08/npm-sentinel/internal/review"
	"github.com/acheong08/npm-sentinel/internal/rules"
	"github.com/acheong08/npm-sentinel/internal/scanner"
)

// app is the state shared by all subcommands, built once flags are parsed
type app struct {
	v       *viper.Viper
	cfgFile string

	cfg      *config.Config
	logger   *zap.Logger
	rules    *rules.Set
	analyzer *analysis.Analyzer
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "sentinel",
		Short: "Static supply-chain scanner for npm packages",
		Long: `sentinel inspects npm packages for install-time attacks without running
them. It flags lifecycle scripts that download and execute code, hides
payloads in base64, or drop files used by known npm worms, and folds the
findings into a 0-100 risk score.

Packages can be scanned from disk (extracted directories or .tgz files),
fetched from a registry, or submitted to the HTTP/WebSocket server.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return a.init() },
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				observability.Sync(a.logger)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./.sentinel.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console or json)")
	flags.Int("workers", 4, "packages scanned concurrently")
	flags.Duration("timeout", 0, "per-package scan timeout (default 30s)")
	flags.String("rules", "", "YAML rule pack extending the built-in rules")
	flags.String("registry", "", "npm registry URL (default https://registry.npmjs.org)")

	a.bind("log.level", flags.Lookup("log-level"))
	a.bind("log.format", flags.Lookup("log-format"))
	a.bind("scan.workers", flags.Lookup("workers"))
	a.bind("scan.timeout", flags.Lookup("timeout"))
	a.bind("scan.rules-file", flags.Lookup("rules"))
	a.bind("registry.url", flags.Lookup("registry"))

	root.AddCommand(
		newScanCmd(a),
		newFetchCmd(a),
		newServeCmd(a),
		newRulesCmd(a),
	)
	return root
}

// bind ties a flag to a config key. Flags only override config when set.
func (a *app) bind(key string, flag *pflag.Flag) {
	_ = a.v.BindPFlag(key, flag)
}

func (a *app) init() error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = observability.Setup(cfg.Log)

	set, err := rules.Load(cfg.Scan.RulesFile)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	a.rules = set

	a.analyzer = analysis.NewAnalyzer(
		scanner.New(set, scanner.WithLogger(a.logger.Named("scanner"))),
		analysis.WithTimeout(cfg.Scan.Timeout),
		analysis.WithLogger(a.logger.Named("analysis")),
	)

	if used := a.v.ConfigFileUsed(); used != "" {
		a.logger.Debug("Using config file", zap.String("path", used))
	}
	return nil
}

func (a *app) fetcher() *registry.Fetcher {
	return registry.NewFetcher(a.cfg.Registry.URL,
		registry.WithHTTPClient(&http.Client{Timeout: a.cfg.Registry.Timeout}),
		registry.WithRateLimit(a.cfg.Registry.RateLimit),
		registry.WithMaxTarballBytes(a.cfg.Registry.MaxTarballBytes),
		registry.WithLogger(a.logger.Named("registry")),
	)
}

// reviewer returns nil when no API key is configured
func (a *app) reviewer() (*review.Reviewer, error) {
	if !a.cfg.Review.Enabled() {
		return nil, nil
	}
	return review.New(review.Config{
		APIKey:      a.cfg.Review.APIKey,
		BaseURL:     a.cfg.Review.BaseURL,
		Model:       a.cfg.Review.Model,
		Concurrency: a.cfg.Review.Concurrency,
	}, a.logger.Named("review"))
}

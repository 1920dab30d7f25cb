package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Techy2419/DocuGuide/internal/config"
	"github.com/Techy2419/DocuGuide/internal/provider"
)

var (
	cfgFile      string
	providerFlag string
	modelFlag    string
	logLevelFlag string
	jsonOutput   bool
	noCache      bool
	showMetrics  bool

	// Package-level version info, set by Execute().
	appVersion string
	appCommit  string
	appDate    string
)

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date

	rootCmd := &cobra.Command{
		Use:   "docuguide",
		Short: "On-device document and form assistant",
		Long: "docuguide summarizes, translates, proofreads and explains documents and forms " +
			"with local models, falling back to a cloud provider when a local model cannot serve.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ~/.config/docuguide/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&providerFlag, "provider", "p", "", "override cloud provider (openrouter, openai, anthropic, none)")
	rootCmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "", "override cloud model")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVar(&noCache, "no-cache", false, "do not reuse cached results")
	rootCmd.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "print performance metrics to stderr when done")

	// Subcommands
	rootCmd.AddCommand(newEnvCmd())
	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newSummarizeCmd())
	rootCmd.AddCommand(newTranslateCmd())
	rootCmd.AddCommand(newDetectCmd())
	rootCmd.AddCommand(newAskCmd())
	rootCmd.AddCommand(newImproveCmd())
	rootCmd.AddCommand(newGenerateCmd())
	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newGuideCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "docuguide %s\n", displayVersion())
			if appDate != "" && appDate != "unknown" {
				fmt.Fprintf(cmd.OutOrStdout(), "built %s\n", appDate)
			}
		},
	}
}

// displayVersion returns a formatted version string, e.g. "v0.3.1 (abc1234)".
func displayVersion() string {
	v := "v" + appVersion
	if appCommit != "" && appCommit != "none" {
		v += " (" + appCommit + ")"
	}
	return v
}

// initConfig loads configuration, applying CLI flag overrides.
func initConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	// CLI flags override config values
	if providerFlag != "" {
		cfg.Cloud.Provider = providerFlag
	}
	if modelFlag != "" {
		pc := cfg.GetProviderConfig(cfg.Cloud.Provider)
		pc.Model = modelFlag
		if cfg.Cloud.Providers == nil {
			cfg.Cloud.Providers = make(map[string]*config.ProviderConfig)
		}
		cfg.Cloud.Providers[cfg.Cloud.Provider] = pc
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	if noCache {
		cfg.Cache.Disabled = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildCloud creates the fallback provider, or nil when none is configured.
func buildCloud(cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
	name := cfg.Cloud.Provider
	if name == "none" {
		return nil, nil
	}
	pc := cfg.GetProviderConfig(name)
	if pc.APIKey == "" {
		return nil, nil
	}

	var p provider.Provider
	switch name {
	case "anthropic":
		p = provider.NewAnthropicProvider(provider.AnthropicOptions{
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			Temperature: pc.Temperature,
			MaxTokens:   pc.MaxTokens,
		})
	default:
		// OpenRouter and OpenAI share the OpenAI-compatible API.
		if pc.BaseURL == "" {
			return nil, fmt.Errorf("no base URL for provider %q; set cloud.providers.%s.base_url in config", name, name)
		}
		p = provider.NewOpenAIProvider(provider.OpenAIOptions{
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			Referer:     cfg.Cloud.Referer,
			Title:       cfg.Cloud.Title,
			Temperature: pc.Temperature,
			MaxTokens:   pc.MaxTokens,
		})
	}
	if cfg.Cloud.Retries == 0 {
		return p, nil
	}
	return provider.WithRetry(p, provider.RetryOptions{MaxRetries: cfg.Cloud.Retries, Logger: logger}), nil
}

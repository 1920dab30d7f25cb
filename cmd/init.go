package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Techy2419/DocuGuide/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive configuration wizard",
		Long:  "Guides you through choosing a cloud fallback provider, entering its API key, and saving the config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd)
		},
	}
}

func runInit(cmd *cobra.Command) error {
	reader := bufio.NewReader(cmd.InOrStdin())
	w := cmd.OutOrStdout()

	fmt.Fprintln(w, "Welcome to the docuguide configuration wizard!")
	fmt.Fprintln(w, "Local models answer first; the cloud provider is only used as a fallback.")
	fmt.Fprintln(w)

	// Provider selection
	providers := config.KnownCloudProviders
	fmt.Fprintln(w, "Cloud fallback providers:")
	for i, p := range providers {
		fmt.Fprintf(w, "  %d. %s\n", i+1, p)
	}
	fmt.Fprintf(w, "\nSelect provider (1-%d) [1]: ", len(providers))
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	selectedIdx := 0
	if input != "" {
		n, err := strconv.Atoi(input)
		if err != nil || n < 1 || n > len(providers) {
			return fmt.Errorf("invalid choice %q", input)
		}
		selectedIdx = n - 1
	}
	providerName := providers[selectedIdx]
	fmt.Fprintf(w, "Selected: %s\n\n", providerName)

	var pc config.ProviderConfig
	if providerName != "none" {
		// API key
		fmt.Fprintf(w, "Enter API key for %s: ", providerName)
		apiKey, _ := reader.ReadString('\n')
		pc.APIKey = strings.TrimSpace(apiKey)
		if pc.APIKey == "" {
			return fmt.Errorf("API key cannot be empty")
		}

		defaults := config.DefaultConfig().GetProviderConfig(providerName)
		fmt.Fprintf(w, "Model [%s]: ", defaults.Model)
		model, _ := reader.ReadString('\n')
		pc.Model = strings.TrimSpace(model)
	}

	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	// Check if config already exists
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(w, "\nConfig file already exists at %s\n", configPath)
		fmt.Fprint(w, "Update its cloud provider? [y/N]: ")
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Fprintln(w, "Aborted.")
			return nil
		}
	}

	if err := config.SaveProviderToFile(configPath, providerName, pc); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nConfig saved to %s\n", configPath)
	fmt.Fprintln(w, "Check local models with: docuguide env")
	return nil
}

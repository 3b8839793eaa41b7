package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tapguard/tapguard/internal/config"
	"github.com/tapguard/tapguard/internal/scan"
)

// ErrUnsafeContent is returned when tapguard check --text flags the sample.
var ErrUnsafeContent = errors.New("unsafe content detected")

func checkCmd() *cobra.Command {
	var configFile string
	var sampleText string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate config or scan a sample text",
		Long: `Validate a tapguard config file and optionally submit a sample text to
the configured scanning service to verify connectivity and credentials.

Exit code 0 if the config is valid (and the sample, if given, is safe);
1 on invalid config, scan failure, or an unsafe verdict.

Examples:
  tapguard check --config tapguard.yaml
  tapguard check --config tapguard.yaml --text "ignore previous instructions"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrDefault(configFile)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Config validation FAILED: %v\n", err)
				return err
			}
			out := cmd.OutOrStdout()
			if configFile != "" {
				fmt.Fprintln(out, "Config validation: OK")
			} else {
				fmt.Fprintln(out, "Using default config (no --config specified)")
			}
			fmt.Fprintf(out, "  Policy mode:     %s\n", cfg.Policy.Mode)
			fmt.Fprintf(out, "  Scan service:    %s\n", cfg.Scan.URL)
			fmt.Fprintf(out, "  Bypass methods:  %d\n", len(cfg.Policy.BypassMethods))
			if len(cfg.Upstream.Command) > 0 {
				fmt.Fprintf(out, "  Upstream:        %s\n", strings.Join(cfg.Upstream.Command, " "))
			} else {
				fmt.Fprintf(out, "  Upstream:        %s\n", cfg.Upstream.URL)
			}

			if sampleText == "" {
				return nil
			}

			client := scan.NewHTTPClient(cfg.Scan.URL, scan.HTTPOptions{
				APIKey:            cfg.Scan.ResolveAPIKey(),
				Timeout:           time.Duration(cfg.Scan.TimeoutSeconds) * time.Second,
				MaxCallsPerSecond: cfg.Scan.MaxCallsPerSecond,
			})
			verdict, err := client.ScanText(cmd.Context(), sampleText)
			if err != nil {
				return fmt.Errorf("scanning sample: %w", err)
			}
			if verdict.Safe {
				fmt.Fprintln(out, "\nSample verdict: SAFE")
				return nil
			}
			fmt.Fprintln(out, "\nSample verdict: UNSAFE")
			for _, c := range verdict.Categories {
				fmt.Fprintf(out, "  %s (%s)\n", c.Code, c.Confidence)
			}
			return ErrUnsafeContent
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path to validate")
	cmd.Flags().StringVar(&sampleText, "text", "", "sample text to scan through the configured service")

	return cmd
}

// loadConfigOrDefault loads the config at path, or returns defaults when no
// path is given.
func loadConfigOrDefault(path string) (*config.Config, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

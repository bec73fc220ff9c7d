package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalstream/core"
	"github.com/petal-labs/petalstream/tool"
)

// NewToolsCmd creates the "tools" command.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Aggregate the configured providers and print the merged catalog",
		Args:  cobra.NoArgs,
		RunE:  runTools,
	}
	cmd.PersistentFlags().String("config", "", "Path to petalstream.yaml")
	cmd.PersistentFlags().Duration("timeout", 30*time.Second, "Overall aggregation bound")
	cmd.Flags().Bool("json", false, "Print the catalog as JSON")

	cmd.AddCommand(newToolsHealthCmd())
	return cmd
}

func runTools(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	logger := commandLogger(cmd)
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	aggregator, specs, err := newAggregator(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	agg, aggErr := aggregator.Aggregate(ctx, specs)
	if agg == nil {
		return exitError(exitProvider, "aggregating providers: %v", aggErr)
	}
	summary := agg.Summary()
	for _, err := range agg.Teardown(context.WithoutCancel(ctx)) {
		logger.Warn("provider teardown", "error", err)
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return exitError(exitRuntime, "encoding catalog: %v", err)
		}
	} else if err := printSummary(cmd, summary); err != nil {
		return err
	}

	if aggErr != nil && core.KindOf(aggErr) == core.KindNoToolsAvailable {
		return exitError(exitProvider, "no tool providers are available")
	}
	return nil
}

func printSummary(cmd *cobra.Command, summary tool.Summary) error {
	out := cmd.OutOrStdout()
	writer := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tPROVIDER\tDESCRIPTION")
	for _, t := range summary.Tools {
		description := firstLine(t.Description)
		if description == "" {
			description = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", t.Name, summary.Owners[t.Name], description)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	for _, c := range summary.Collisions {
		fmt.Fprintf(out, "collision: %s kept from %s, dropped from %s\n", c.Tool, c.Kept, c.Dropped)
	}
	for _, f := range summary.Failures {
		fmt.Fprintf(out, "failed: %s (%s) %s\n", f.Provider, f.Kind, f.Message)
	}
	fmt.Fprintf(out, "%d tool(s), %d collision(s), %d failure(s)\n",
		len(summary.Tools), len(summary.Collisions), len(summary.Failures))
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func newToolsHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every configured provider once",
		Args:  cobra.NoArgs,
		RunE:  runToolsHealth,
	}
}

func runToolsHealth(cmd *cobra.Command, _ []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")

	logger := commandLogger(cmd)
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	specs, err := cfg.ProviderSpecs()
	if err != nil {
		return exitError(exitConfig, "providers: %v", err)
	}
	prober, err := tool.NewHealthProber(tool.HealthProberConfig{
		Specs:    specs,
		Schedule: cfg.Health.Schedule,
		Logger:   logger,
	})
	if err != nil {
		return exitError(exitConfig, "health: %v", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	results := prober.RunOnce(ctx)

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "PROVIDER\tSTATUS\tTOOLS\tLATENCY_MS\tERROR")
	unhealthy := 0
	for _, r := range results {
		status, kind := "healthy", "-"
		if !r.Healthy {
			status, kind = "unhealthy", string(r.Kind)
			unhealthy++
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%d\t%s\n", r.Provider, status, r.Tools, r.LatencyMS, kind)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	if unhealthy > 0 {
		return exitError(exitProvider, "%d provider(s) unhealthy", unhealthy)
	}
	return nil
}

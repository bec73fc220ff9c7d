package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalstream/core"
)

// NewCompleteCmd creates the "complete" subcommand.
func NewCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete [prompt]",
		Short: "Run one completion session and print its chunks as NDJSON",
		Long: "Runs one session with the configured providers and backend. The prompt is\n" +
			"taken from the argument, or from stdin when the argument is \"-\" or absent.",
		Args: cobra.MaximumNArgs(1),
		RunE: runComplete,
	}
	cmd.Flags().String("config", "", "Path to petalstream.yaml")
	cmd.Flags().String("system", "", "System preamble")
	cmd.Flags().Duration("timeout", 0, "Overall session bound (0 disables)")
	return cmd
}

func runComplete(cmd *cobra.Command, args []string) error {
	system, _ := cmd.Flags().GetString("system")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	prompt, err := readPrompt(cmd, args)
	if err != nil {
		return err
	}
	req := core.Request{Prompt: prompt, System: system}
	if req.Empty() {
		return exitError(exitInput, "prompt is empty")
	}

	logger := commandLogger(cmd)
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	gw, err := newGateway(ctx, cfg, "", logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = gw.close(closeCtx)
	}()

	session := gw.orchestrator.Start(ctx, req)
	logger.Debug("session started", "session_id", session.ID())

	enc := json.NewEncoder(cmd.OutOrStdout())
	for chunk := range session.Chunks() {
		if err := enc.Encode(chunk); err != nil {
			session.Cancel()
			<-session.Done()
			return exitError(exitRuntime, "writing chunk: %v", err)
		}
	}

	if err := session.Wait(); err != nil {
		kind := core.KindOf(err)
		return exitError(exitCodeForKind(kind), "session %s failed: %s", session.ID(), core.PublicMessage(kind))
	}
	return nil
}

func readPrompt(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", exitError(exitInput, "reading prompt: %v", err)
	}
	return strings.TrimSpace(string(data)), nil
}

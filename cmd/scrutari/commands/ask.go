package commands

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scrutari/scrutari/pkg/scrutari"
)

var askCmd = &cobra.Command{
	Use:   "ask <report-id> <question>",
	Short: "Answer a follow-up question about a prior report",
	Long: `Ask answers a question grounded in a previously generated report.
With --report-dir pointing at persisted reports, the saved report text
is loaded and the answer is grounded in it; otherwise the question is
answered without report context.

Example:
  scrutari ask 3f2a... "What are the main risks?" --report-dir ./reports`,
	Args: cobra.ExactArgs(2),
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
	flags := askCmd.Flags()
	flags.String("report-dir", "", "directory holding persisted reports")
	flags.StringP("output", "o", "", "output file (default: stdout)")
	flags.String("format", "markdown", "output format: markdown, json, yaml")
}

func runAsk(cmd *cobra.Command, args []string) error {
	reportID, question := args[0], args[1]

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := scrutari.New(scrutari.WithoutDeck())
	if err != nil {
		logError("%v", err)
		return err
	}

	if dir, _ := cmd.Flags().GetString("report-dir"); dir != "" {
		path := filepath.Join(dir, fmt.Sprintf("report_%s.md", reportID))
		if data, err := os.ReadFile(path); err == nil {
			client.Restore(reportID, string(data))
		} else {
			logInfo("No saved report at %s; answering without report context", path)
		}
	}

	answer, err := client.Ask(ctx, reportID, question)
	if err != nil {
		logError("ask failed: %v", err)
		return err
	}
	logInfo("Answered via %s", answer.Method)
	return emit(cmd, answer)
}

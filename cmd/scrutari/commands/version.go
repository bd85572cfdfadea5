package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scrutari/scrutari/internal/output"
	"github.com/scrutari/scrutari/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			w, err := output.NewWriter(os.Stdout, output.FormatJSON)
			if err != nil {
				return err
			}
			if err := w.Write(version.Get()); err != nil {
				return err
			}
			return w.Flush()
		}
		fmt.Println(version.Full())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "print as JSON")
}

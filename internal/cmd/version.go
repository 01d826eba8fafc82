package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}

func runVersion(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{
			"version":    versionInfo.Version,
			"commit":     versionInfo.Commit,
			"build_date": versionInfo.BuildDate,
			"go_version": runtime.Version(),
		})
	}

	_, _ = fmt.Fprintf(os.Stdout, "foreman %s\n", versionInfo.Version)
	_, _ = fmt.Fprintf(os.Stdout, "  commit:     %s\n", versionInfo.Commit)
	_, _ = fmt.Fprintf(os.Stdout, "  build date: %s\n", versionInfo.BuildDate)
	_, _ = fmt.Fprintf(os.Stdout, "  go version: %s\n", runtime.Version())
	return nil
}

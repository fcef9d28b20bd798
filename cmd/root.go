package cmd

import (
	"github.com/spf13/cobra"
)

var appVersion = "dev"

// SetVersion sets the application version
func SetVersion(v string) {
	appVersion = v
}

// rootCmd represents the base command when called without any subcommands.
// Without a subcommand it behaves like "serve".
var rootCmd = &cobra.Command{
	Use:   "urekai-engine",
	Short: "Spreadsheet ingestion and natural language analytics over PostgreSQL",
	Long: `urekai-engine loads uploaded CSV and Excel files into per-user PostgreSQL
tables and answers natural language questions about them.

Uploads are queued in PostgreSQL and picked up by background workers that
infer a schema with a language model, create the table and copy the rows in.
Questions are answered by an iterative loop that generates read-only SQL,
runs it and asks the model to judge and summarise the results.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Serve HTTP only; do not process the ingestion queues")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

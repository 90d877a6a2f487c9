package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/snipd-dev/snipd/internal/logging"
)

var jsonLogs bool

var rootCmd = &cobra.Command{
	Use:   "snipd",
	Short: "Screenshot capture engine with AI search",
	Long: `Snipd stores screenshots, describes them with a local vision model,
and makes them searchable by meaning, tags, and time. Everything runs
locally: models through Ollama (or OpenAI/Gemini), storage in an
embedded SQLite database with vector search.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initEnv)
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")
}

func initEnv() {
	// .env file is optional
	_ = godotenv.Load()
	logging.Setup(jsonLogs)
}

package cli

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/notegrep/config"
)

var rootCmd = &cobra.Command{
	Use:   "notegrep",
	Short: "Semantic search over your note vault",
	Long: `notegrep indexes a folder of markdown notes into vector embeddings and
answers natural language queries, fully locally.

Run 'notegrep init' inside your vault to get started, then 'notegrep index'
to build the index and 'notegrep search "your question"' to query it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. API keys may come from a .env file in
// the working directory.
func Execute() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// verbosityLogger maps the configured log level onto a stdlib logger that
// the packages accept via their WithLogger options.
func verbosityLogger(v config.Verbosity) *log.Logger {
	switch v {
	case config.VerbosityOff:
		return log.New(io.Discard, "", 0)
	case config.VerbosityDebug:
		return log.New(os.Stderr, "notegrep ", log.LstdFlags|log.Lshortfile)
	default:
		return log.New(os.Stderr, "notegrep ", log.LstdFlags)
	}
}

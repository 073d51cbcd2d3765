package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/notegrep/config"
	"github.com/yoanbernabeu/notegrep/mcp"
	"github.com/yoanbernabeu/notegrep/query"
)

var mcpServeCmd = &cobra.Command{
	Use:   "mcp-serve [vault-path]",
	Short: "Start notegrep as an MCP server",
	Long: `Start notegrep as an MCP (Model Context Protocol) server.

This allows AI agents to search your notes as a native tool. The server
communicates via stdio and exposes the following tools:

  - notegrep_search: Semantic search over the vault
  - notegrep_search_grouped: Search grouped by note, paragraphs in order
  - notegrep_index_status: Check index health and statistics

Arguments:
  vault-path  Optional path to the vault directory.
              If not provided, searches for .notegrep from the current directory.

Configuration for Claude Code:
  claude mcp add notegrep -- notegrep mcp-serve /path/to/vault

Configuration for Cursor (.cursor/mcp.json):
  {
    "mcpServers": {
      "notegrep": {
        "command": "notegrep",
        "args": ["mcp-serve", "/path/to/vault"]
      }
    }
  }`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMCPServe,
}

func init() {
	rootCmd.AddCommand(mcpServeCmd)
}

func runMCPServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if len(args) == 1 {
		if !config.Exists(args[0]) {
			return fmt.Errorf("no notegrep vault at %s (run 'notegrep init' there first)", args[0])
		}
		if err := os.Chdir(args[0]); err != nil {
			return fmt.Errorf("failed to enter vault directory: %w", err)
		}
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	engine := query.NewEngine(s.vault, s.store, s.embedder, query.WithLogger(s.logger))
	srv := mcp.NewServer(engine, s.store, s.cfg.Search, s.embedder.Model())

	// Stdio transport: stdout is the protocol channel, so nothing else
	// may print there from here on.
	return srv.Serve()
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index statistics",
	Long:  `Show the state of the vector index: source and chunk counts, embedding dimension, size on disk and last update time.`,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	sty := termStyles()
	stats := s.store.Stats()

	lastUpdated := "never"
	if !stats.LastUpdated.IsZero() {
		lastUpdated = stats.LastUpdated.Format("2006-01-02 15:04:05")
	}

	fmt.Println(sty.Title.Render("Index status"))
	fmt.Printf("  %s %s\n", sty.Label.Render("Vault:"), s.root)
	fmt.Printf("  %s %s\n", sty.Label.Render("Backend:"), s.cfg.Store.Backend)
	fmt.Printf("  %s %s\n", sty.Label.Render("Model:"), s.embedder.Model())
	fmt.Printf("  %s %d\n", sty.Label.Render("Sources:"), stats.SourceCount)
	fmt.Printf("  %s %d\n", sty.Label.Render("Chunks:"), stats.ChunkCount)
	fmt.Printf("  %s %d\n", sty.Label.Render("Dimension:"), stats.Dimension)
	fmt.Printf("  %s %s\n", sty.Label.Render("Size:"), humanBytes(stats.SizeBytes))
	fmt.Printf("  %s %s\n", sty.Label.Render("Updated:"), lastUpdated)
	return nil
}

func humanBytes(b int64) string {
	if b == 0 {
		return "N/A"
	}
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

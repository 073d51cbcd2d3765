package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var indexRebuild bool

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index the vault into vector embeddings",
	Long: `Index every markdown note (and image, when vision is enabled) in the
vault. Unchanged notes are skipped; use --rebuild to re-embed everything,
for example after switching the embedding model.`,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&indexRebuild, "rebuild", false, "Discard the existing index and re-embed every note")
	rootCmd.AddCommand(indexCmd)
}

// consoleProgress renders indexing progress as a single updating line.
type consoleProgress struct {
	sty      styles
	started  time.Time
	lastLine int
}

func newConsoleProgress() *consoleProgress {
	return &consoleProgress{sty: termStyles(), started: time.Now()}
}

func (p *consoleProgress) Report(current, total int, message string) {
	if total <= 0 {
		return
	}
	line := fmt.Sprintf("[%d/%d] %s", current, total, message)
	// Pad with spaces so a shorter line fully overwrites the previous one.
	if pad := p.lastLine - len(line); pad > 0 {
		line += strings.Repeat(" ", pad)
	}
	p.lastLine = len(line)
	fmt.Printf("\r%s", p.sty.Label.Render(line))
}

func (p *consoleProgress) Completed() {
	if p.lastLine > 0 {
		fmt.Printf("\r%s\r", strings.Repeat(" ", p.lastLine))
	}
	fmt.Println(p.sty.Success.Render(fmt.Sprintf("Index up to date (%s)", time.Since(p.started).Round(time.Millisecond))))
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	ix := s.newIndexer()
	progress := newConsoleProgress()

	if indexRebuild {
		fmt.Println("Rebuilding the full index...")
		if err := ix.FullRebuild(ctx, progress); err != nil {
			return fmt.Errorf("rebuild failed: %w", err)
		}
	} else {
		if err := ix.SmartUpdate(ctx, progress); err != nil {
			return fmt.Errorf("indexing failed: %w", err)
		}
	}

	stats := s.store.Stats()
	fmt.Printf("%d sources, %d chunks indexed.\n", stats.SourceCount, stats.ChunkCount)
	return nil
}

package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yoanbernabeu/notegrep/scheduler"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the index fresh while you edit",
	Long: `Watch the vault for changes and reindex modified notes after a short
debounce. This command receives no active-document reports from an
editor, so no note is held back while it is being edited.

On startup the whole vault is brought up to date first: a fresh vault gets
a full build, an existing index gets an incremental update.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	sched := scheduler.New(s.vault, s.newIndexer(), s.store,
		scheduler.WithLogger(s.logger),
		scheduler.WithDebounce(time.Duration(s.cfg.Watch.DebounceMs)*time.Millisecond),
		scheduler.WithSweepInterval(time.Duration(s.cfg.Watch.ActiveSweepSecs)*time.Second))

	fmt.Println("Bringing the index up to date...")
	if err := sched.Boot(ctx, newConsoleProgress()); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("initial indexing failed: %w", err)
	}

	if err := s.vault.Watch(ctx, s.logger); err != nil {
		return fmt.Errorf("failed to watch vault: %w", err)
	}
	defer s.vault.Close()

	fmt.Println("Watching for changes... (Press Ctrl+C to stop)")

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gCtx)
	})
	g.Go(func() error {
		<-gCtx.Done()
		sched.CancelIndexing()
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	fmt.Println("\nShutting down...")
	if err := s.store.Save(); err != nil {
		s.logger.Printf("Warning: failed to persist index on shutdown: %v", err)
	}
	return nil
}

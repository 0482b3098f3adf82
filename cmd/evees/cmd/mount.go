package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/systemshift/evees/internal/evees"
	eveesfuse "github.com/systemshift/evees/internal/fuse"
)

var mountCmd = &cobra.Command{
	Use:   "mount <mountpoint>",
	Short: "Mount a read-only view of perspectives",
	Long: "Mount perspectives, their heads, data and commit logs with FUSE. " +
		"With --autoflush, buffered changes are flushed in the background while mounted.",
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

func init() {
	mountCmd.Flags().Duration("autoflush", 0, "background flush interval (0 disables)")
	mountCmd.Flags().Bool("debug", false, "log FUSE requests")
	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	mountpoint := args[0]
	interval, _ := cmd.Flags().GetDuration("autoflush")
	debug, _ := cmd.Flags().GetBool("debug")

	// Ensure mountpoint exists
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return fmt.Errorf("create mountpoint: %w", err)
	}

	return withStack(func(ctx context.Context, s *stack) error {
		stopFlusher := func() {}
		if interval > 0 {
			flusher := evees.NewAutoFlusher(s.evees, interval, evees.FlushOptions{})
			flusher.Start()
			stopFlusher = sync.OnceFunc(flusher.Stop)
			s.logger.WithField("interval", interval).Info("autoflush started")
		}
		defer func() { stopFlusher() }()

		server, err := eveesfuse.MountFS(mountpoint, s.evees, debug)
		if err != nil {
			return fmt.Errorf("mount failed: %w", err)
		}

		// Unmount on signal
		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-done
			fmt.Fprintln(os.Stderr, "evees: shutting down...")
			stopFlusher()
			server.Unmount()
		}()

		fmt.Fprintf(os.Stderr, "evees: mounted at %s (pid %d)\n", mountpoint, os.Getpid())
		server.Wait()
		signal.Stop(done)
		fmt.Fprintln(os.Stderr, "evees: stopped")
		return nil
	})
}

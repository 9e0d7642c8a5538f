package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/gridsync/internal/gridsync"
)

var (
	previewLimit  int
	watchInterval time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "gridsync",
		Short:         "Sync records from a document API into a grid backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(syncCmd(), previewCmd(), fixHeadersCmd(), wipeCmd(), watchCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatalf("gridsync: %v", err)
	}
}

// runtime bundles everything a command needs. Close releases the grid
// backend and, when configured, the stream notifier connection.
type runtime struct {
	syncer *gridsync.Syncer
	grid   gridsync.Grid
	stream *gridsync.StreamNotifier
}

func (r *runtime) Close() {
	if r.stream != nil {
		if err := r.stream.Close(); err != nil {
			log.Printf("stream notifier close failed: %v", err)
		}
	}
	if err := r.grid.Close(); err != nil {
		log.Printf("grid close failed: %v", err)
	}
}

func buildRuntime() (*runtime, error) {
	cfg := gridsync.ConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	source, err := gridsync.NewSourceClient(gridsync.SourceClientOptions{
		BaseURL:    cfg.BaseURL,
		Token:      cfg.Token,
		APIVersion: cfg.APIVersion,
		Logger:     log.Default(),
	})
	if err != nil {
		return nil, err
	}

	grid, err := gridsync.NewGridFromDSN(cfg.GridDSN)
	if err != nil {
		return nil, err
	}

	var notifier gridsync.Notifier
	var stream *gridsync.StreamNotifier
	switch {
	case cfg.StreamURL != "":
		stream, err = gridsync.NewStreamNotifier(cfg.StreamURL)
		if err != nil {
			grid.Close()
			return nil, err
		}
		notifier = stream
	case cfg.NotifyURL != "":
		notifier, err = gridsync.NewHTTPNotifier(gridsync.HTTPNotifierOptions{
			BaseURL:        cfg.NotifyURL,
			Token:          cfg.NotifyToken,
			DefaultChannel: cfg.NotifyChannel,
		})
		if err != nil {
			grid.Close()
			return nil, err
		}
	}

	syncer, err := gridsync.NewSyncer(gridsync.SyncerOptions{
		Source:   source,
		Grid:     grid,
		Notifier: notifier,
		Logger:   log.Default(),
		LockWait: cfg.LockWait,
	})
	if err != nil {
		grid.Close()
		return nil, err
	}
	return &runtime{syncer: syncer, grid: grid, stream: stream}, nil
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [profile.json]",
		Short: "Run one append or upsert pass for a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := gridsync.LoadProfile(args[0])
			if err != nil {
				return err
			}
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.syncer.Sync(cmd.Context(), profile.Request())
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}
}

func previewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview [profile.json]",
		Short: "Resolve columns and print the first rows without writing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := gridsync.LoadProfile(args[0])
			if err != nil {
				return err
			}
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			specs, rows, err := rt.syncer.Preview(cmd.Context(), profile.Request(), previewLimit)
			if err != nil {
				return err
			}
			labels := make([]string, len(specs))
			for i, spec := range specs {
				labels[i] = spec.HeaderLabel()
			}
			fmt.Println(strings.Join(labels, "\t"))
			for _, row := range rows {
				fmt.Println(strings.Join(row, "\t"))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&previewLimit, "limit", 10, "maximum rows to preview")
	return cmd
}

func fixHeadersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fix-headers [sheet]",
		Short: "Repair header annotations and the column identity map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			repaired, err := rt.syncer.FixHeaders(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("repaired %d column annotations on %s\n", repaired, args[0])
			return nil
		},
	}
}

func wipeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wipe [profile.json]",
		Short: "Clear the sheet and rewrite it from a fresh sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := gridsync.LoadProfile(args[0])
			if err != nil {
				return err
			}
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.syncer.Wipe(cmd.Context(), profile.Request())
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [profile.json]",
		Short: "Resync whenever the profile file changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			watcher, err := gridsync.NewWatcher(gridsync.WatcherOptions{
				Syncer:      rt.syncer,
				ProfilePath: args[0],
				Interval:    watchInterval,
				Logger:      log.Default(),
			})
			if err != nil {
				return err
			}
			if err := watcher.Run(cmd.Context()); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&watchInterval, "interval", 0, "also resync on this interval (0 disables)")
	return cmd
}

func printResult(result gridsync.SyncResult) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

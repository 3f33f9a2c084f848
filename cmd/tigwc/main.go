// cmd/tigwc/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tigscm/internal/api"
	"tigscm/internal/client"
	"tigscm/internal/detector"
	"tigscm/internal/fsmonitor"
	"tigscm/internal/logging"
	"tigscm/internal/matcher"
	"tigscm/internal/revstore"
	"tigscm/internal/watcher"
)

var (
	logger   = zap.NewNop()
	logLevel string
	workDir  string
)

var rootCmd = &cobra.Command{
	Use:   "tigwc",
	Short: "Working copy status and content store tools",
	Long: `tigwc reports what changed in a working copy since the last snapshot,
using a filesystem watcher to avoid rescanning the whole tree.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.NewLogger(logLevel)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		logger = l.Logger
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&workDir, "dir", "C", ".", "working copy directory")

	var initCmd = &cobra.Command{
		Use:   "init",
		Short: "Create the state directory in the working copy",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := filepath.Join(workDir, stateDirName)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("creating %s: %w", dir, err)
			}
			fmt.Println("Initialized working copy state in", dir)
			return nil
		},
	}

	var snapshotCmd = &cobra.Command{
		Use:   "snapshot",
		Short: "Record the working copy as the parent revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context(), workDir, logger)
			if err != nil {
				return err
			}
			defer ws.Close()

			stats, err := ws.snapshot()
			if err != nil {
				return fmt.Errorf("snapshot failed: %w", err)
			}

			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s %d files (%s)", green("Recorded"), stats.Files, humanize.Bytes(stats.Bytes))
			if stats.Removed > 0 {
				fmt.Printf(", %d removed", stats.Removed)
			}
			fmt.Println()
			for _, p := range stats.Packs {
				fmt.Println("  wrote", p)
			}
			return nil
		},
	}

	var serverAddr string
	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show files changed since the last snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverAddr != "" {
				// A running watch daemon holds the state database open.
				resp, err := client.New(serverAddr).Status(cmd.Context())
				if err != nil {
					return err
				}
				printChanges(resp.Changes)
				return nil
			}

			ws, err := openWorkspace(cmd.Context(), workDir, logger)
			if err != nil {
				return err
			}
			defer ws.Close()

			svc := watcher.NewLocalService(watcher.LocalServiceOptions{Logger: logger})
			defer svc.Close()

			mon, err := ws.monitor(svc)
			if err != nil {
				return err
			}
			defer mon.Close()

			results, err := pendingChanges(cmd.Context(), ws, mon)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No changes")
				return nil
			}
			printResults(ws, results)
			return nil
		},
	}

	statusCmd.Flags().StringVarP(&serverAddr, "server", "s", "", "ask a running watch daemon (e.g. http://localhost:7070)")

	var interval time.Duration
	var listenAddr string
	var watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Keep watching and print changes as they happen",
		Long: `Keeps one watcher running and reconciles on an interval. After the first
full crawl each cycle only looks at files the watcher saw change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			ws, err := openWorkspace(ctx, workDir, logger)
			if err != nil {
				return err
			}
			defer ws.Close()

			svc := watcher.NewLocalService(watcher.LocalServiceOptions{Logger: logger})
			defer svc.Close()

			mon, err := ws.monitor(svc)
			if err != nil {
				return err
			}
			defer mon.Close()

			if listenAddr != "" {
				srv := &http.Server{
					Addr:    listenAddr,
					Handler: api.NewRouter(monitorStatus{ws: ws, mon: mon}, ws.store, logger),
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("status server failed", zap.Error(err))
					}
				}()
				defer srv.Shutdown(context.Background())
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				results, err := pendingChanges(ctx, ws, mon)
				switch {
				case ctx.Err() != nil:
					return nil
				case err != nil:
					color.New(color.FgRed).Fprintln(os.Stderr, "error:", err)
				case len(results) > 0:
					fmt.Println(time.Now().Format(time.TimeOnly))
					printResults(ws, results)
				}

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	watchCmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "time between reconciliations")
	watchCmd.Flags().StringVar(&listenAddr, "listen", "", "serve status, content and metrics over HTTP on this address")

	var catCmd = &cobra.Command{
		Use:   "cat <path> <node>",
		Short: "Print a stored file revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := revstore.ParseNode(args[1])
			if err != nil {
				return err
			}

			ws, err := openWorkspace(cmd.Context(), workDir, logger)
			if err != nil {
				return err
			}
			defer ws.Close()

			data, err := ws.store.GetFileContent(cmd.Context(), revstore.Key{Path: args[0], Node: node})
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}

	var pushCmd = &cobra.Command{
		Use:   "push",
		Short: "Upload the parent revision's content to the remote store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context(), workDir, logger)
			if err != nil {
				return err
			}
			defer ws.Close()

			paths, err := ws.manifest.Paths()
			if err != nil {
				return err
			}
			keys := make([]revstore.StoreKey, 0, len(paths))
			for _, p := range paths {
				e, ok, err := ws.manifest.Lookup(p)
				if err != nil {
					return err
				}
				if ok {
					keys = append(keys, revstore.FileKey(e.Key))
				}
			}

			failed, err := ws.store.Upload(cmd.Context(), keys)
			if err != nil {
				return fmt.Errorf("uploading: %w", err)
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d files were not uploaded", len(failed), len(keys))
			}
			fmt.Printf("Uploaded %d files\n", len(keys))
			return nil
		},
	}

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(pushCmd)
}

func pendingChanges(ctx context.Context, ws *workspace, mon *fsmonitor.FileSystem) ([]fsmonitor.PendingResult, error) {
	results, err := mon.PendingChanges(ctx, matcher.Always(), matcher.DefaultIgnore(), ws.lastSnapshot())
	if err != nil {
		return nil, fmt.Errorf("checking working copy: %w", err)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, nil
}

// monitorStatus serves reconciliations to the HTTP status endpoint.
type monitorStatus struct {
	ws  *workspace
	mon *fsmonitor.FileSystem
}

func (s monitorStatus) Status(ctx context.Context) ([]fsmonitor.PendingResult, error) {
	return pendingChanges(ctx, s.ws, s.mon)
}

func printResults(ws *workspace, results []fsmonitor.PendingResult) {
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintln(os.Stderr, red("error:"), r.Err)
			continue
		}
		switch r.Kind {
		case detector.Deleted:
			fmt.Println(red("!"), r.Path)
		case detector.Changed:
			if _, tracked, _ := ws.manifest.Lookup(r.Path); tracked {
				fmt.Println(yellow("M"), r.Path)
			} else {
				fmt.Println(cyan("?"), r.Path)
			}
		}
	}
}

func printChanges(changes []api.Change) {
	if len(changes) == 0 {
		fmt.Println("No changes")
		return
	}
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	for _, c := range changes {
		switch {
		case c.Error != "":
			fmt.Fprintln(os.Stderr, red("error:"), c.Error)
		case c.Kind == detector.Deleted.String():
			fmt.Println(red("!"), c.Path)
		default:
			fmt.Println(yellow("M"), c.Path)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

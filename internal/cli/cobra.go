package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"

	"deghost/internal/config"
	"deghost/internal/grpcserver"
	"deghost/internal/pipeline"
	"deghost/internal/server"
	"deghost/internal/storage"
	"deghost/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deghost",
		Short: "deghost merges photo bursts into a single ghost-free image",
		Long: `deghost composites a burst of aligned frames into one image, removing
moving subjects. Bursts are processed from the command line, from a watched
inbox, or interactively over HTTP.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newComposeCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newSessionsCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newComposeCmd(root *Root) *cobra.Command {
	var (
		order       []int
		angle       int
		ghosting    int
		sensitivity int
		output      string
		outputDir   string
	)

	cmd := &cobra.Command{
		Use:   "compose <burst_directory>",
		Short: "Composite one burst directory",
		Long: `Composite the frames of one burst directory and save the result as JPEG.

Frames are *.jpg or *.nv21 files; an optional burst.json supplies width,
height, angle and merge order.

Examples:
  deghost compose ./inbox/beach
  deghost compose ./inbox/beach --order 2,0,1 --ghosting 1 --output beach-final.jpg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if outputDir != "" {
				root.cfg.Paths.DefaultOutput = outputDir
			}

			opts := map[string]any{}
			if cmd.Flags().Changed("order") {
				opts["order"] = order
			}
			if cmd.Flags().Changed("angle") {
				opts["angle"] = angle
			}
			if cmd.Flags().Changed("ghosting") {
				opts["ghosting"] = ghosting
			}
			if cmd.Flags().Changed("sensitivity") {
				opts["sensitivity"] = sensitivity
			}

			app, err := root.newApp(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			job := pipeline.Job{
				ID:        newID("compose"),
				Type:      pipeline.JobComposite,
				InputPath: args[0],
				Output:    output,
				Options:   opts,
			}
			res, err := root.enqueueAndWait(ctx, app.Pipeline, job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %v (%v bytes, %v frames)\n", res.Meta["output"], res.Meta["bytes"], res.Meta["frames"])
			return nil
		},
	}

	cmd.Flags().IntSliceVar(&order, "order", nil, "merge order as frame indices (e.g. 2,0,1)")
	cmd.Flags().IntVar(&angle, "angle", 0, "display rotation in degrees (0, 90, 180, 270)")
	cmd.Flags().IntVar(&ghosting, "ghosting", 0, "ghosting mode: 0 keep, 1 remove moving, 2 remove all")
	cmd.Flags().IntVar(&sensitivity, "sensitivity", 0, "motion sensitivity passed to the merge")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file name (default <burst>.jpg)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "output directory (default from config)")

	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <directory>",
		Short: "List the burst directories found under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := root.newApp(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := root.enqueueAndWait(ctx, app.Pipeline, pipeline.Job{
				ID:        newID("scan"),
				Type:      pipeline.JobScan,
				InputPath: args[0],
			})
			if err != nil {
				return err
			}
			dirs, _ := res.Meta["dirs"].([]string)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d bursts in %s\n", len(dirs), args[0])
			for _, d := range dirs {
				fmt.Fprintf(out, "  %s\n", d)
			}
			return nil
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr      string
		grpcAddr  string
		withWatch bool
		inbox     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC servers",
		Long: `Start the HTTP API that drives the interactive session, the gRPC status
service and, optionally, the inbox watcher.

Examples:
  # HTTP and gRPC on the configured addresses
  deghost serve

  # Also composite bursts dropped into ./inbox
  deghost serve --addr :8080 --watch --inbox ./inbox`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := root.newApp(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			root.log.Info("starting server",
				"addr", addr,
				"grpc_addr", grpcAddr,
				"watch", withWatch,
				"inbox", inbox,
			)

			srv := server.New(server.Options{
				Addr:            addr,
				Studio:          app.Studio,
				Encoder:         app.Encoder,
				Pipeline:        app.Pipeline,
				Store:           root.store,
				Fs:              root.fs,
				OrderChangeRate: root.cfg.Server.OrderChangeRate,
				OrderBurst:      root.cfg.Server.OrderBurst,
				MaxFrameBytes:   root.cfg.Composite.MaxFrameBytes,
				Logger:          root.log,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Start(gctx) })
			if grpcAddr != "" {
				g.Go(func() error {
					return grpcserver.New(app.Studio, root.log).ListenAndServe(gctx, grpcAddr)
				})
			}
			if withWatch {
				w := root.newWatcher(app.Pipeline, inbox, 0)
				g.Go(func() error { return w.Run(gctx) })
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.HTTPAddr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", root.cfg.Server.GRPCAddr, "gRPC address; empty disables it")
	cmd.Flags().BoolVar(&withWatch, "watch", false, "composite bursts that appear in the inbox")
	cmd.Flags().StringVar(&inbox, "inbox", root.cfg.Watch.Inbox, "inbox directory for --watch")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		inbox  string
		settle time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Composite bursts as they land in an inbox directory",
		Long: `Watch an inbox for burst directories. Each directory is composited once
nothing in it has changed for the settle period.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := root.newApp(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			results, unsubscribe := app.Pipeline.Subscribe()
			defer unsubscribe()
			go root.reportResults(cmd, results)

			return root.newWatcher(app.Pipeline, inbox, settle).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&inbox, "inbox", root.cfg.Watch.Inbox, "inbox directory")
	cmd.Flags().DurationVar(&settle, "settle", 0, "quiet period before a burst is processed (default from config)")

	return cmd
}

func (r *Root) newWatcher(sub watch.Submitter, inbox string, settle time.Duration) *watch.Watcher {
	if settle <= 0 {
		settle = time.Duration(r.cfg.Watch.SettleSeconds) * time.Second
	}
	return watch.New(sub, watch.Options{
		Inbox:  inbox,
		Settle: settle,
		Output: r.cfg.Paths.DefaultOutput,
		Fs:     r.fs,
		Logger: r.log,
	})
}

func (r *Root) reportResults(cmd *cobra.Command, results <-chan pipeline.Result) {
	out := cmd.OutOrStdout()
	for res := range results {
		if res.Error != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", res.Job.InputPath, res.Error)
			continue
		}
		fmt.Fprintf(out, "ok   %s -> %v\n", res.Job.InputPath, res.Meta["output"])
	}
}

func newSessionsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent composite sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.store.RecentSessions(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tFRAMES\tSIZE\tREORDERS\tARTIFACT\tOPENED")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%dx%d\t%d\t%s\t%s\n",
					rec.ID, rec.Status, rec.Frames, rec.Width, rec.Height,
					rec.OrderChanges, rec.ArtifactPath, rec.OpenedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of sessions to show")

	cmd.AddCommand(&cobra.Command{
		Use:   "events <session_id>",
		Short: "Show the recorded steps of one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := root.store.SessionEvents(args[0])
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return fmt.Errorf("no events recorded for session %s", args[0])
			}
			out := cmd.OutOrStdout()
			for _, ev := range events {
				data, _ := json.Marshal(ev.Data)
				fmt.Fprintf(out, "%s  %-10s %s\n", ev.CreatedAt.Local().Format(time.DateTime), ev.Type, data)
			}
			return nil
		},
	})

	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent pipeline jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tINPUT\tERROR")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.JobType, j.Status, j.InputPath, j.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to show")
	return cmd
}

func newStatusCmd(root *Root) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running server for its session status over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				return errors.New("no gRPC address configured")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()

			st, err := grpcserver.GetStatus(ctx, conn)
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "grpc", root.cfg.Server.GRPCAddr, "gRPC server address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialize the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd.OutOrStdout())
		},
	})

	var (
		path  string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configInit(cmd.OutOrStdout(), path, force)
		},
	}
	initCmd.Flags().StringVar(&path, "path", "", "config file path (default ~/.config/deghost/config.json)")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion(cmd.OutOrStdout())
		},
	}
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dailyspread/internal/appconfig"
	"dailyspread/internal/feed"
	"dailyspread/internal/metrics"
	"dailyspread/internal/server"
	"dailyspread/internal/spread"
	"dailyspread/internal/store"
	"dailyspread/internal/view"
)

const readHeaderTimeout = 10 * time.Second

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

type cli struct {
	cfg     *appconfig.Config
	cfgFile string
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "dailyspread",
		Short: "Feed reader that spreads refreshes evenly over the day",
		Long: `dailyspread refreshes each subscribed feed once per interval at a stable,
hash-derived offset, and schedules one follow-up fetch for feeds on configured hosts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init(cmd)
		},
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML or JSON)")

	root.AddCommand(
		c.serveCmd(),
		c.refreshCmd(),
		c.previewCmd(),
		c.configureCmd(),
		c.importOPMLCmd(),
		c.exportOPMLCmd(),
	)

	return root
}

func (c *cli) init(cmd *cobra.Command) error {
	cfg, err := appconfig.Load(c.cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	slog.Debug("configuration loaded", "database", cfg.Database, "listen", cfg.Listen, "cron", cfg.Refresh.Cron)

	c.cfg = cfg

	return nil
}

// runtime holds the collaborators every command opens.
type runtime struct {
	db        *sql.DB
	sched     *spread.Scheduler
	refresher *feed.Refresher
	metrics   *metrics.Recorder
}

func (c *cli) open(ctx context.Context) (*runtime, error) {
	db, err := store.Open(c.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = store.Init(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("init database: %w", err)
	}

	settings, err := store.LoadSettings(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("load settings: %w", err)
	}

	recorder := metrics.NewRecorder()

	sched, err := spread.New(ctx, settings, store.Lister{DB: db},
		spread.WithSalt(c.cfg.Refresh.Salt),
		spread.WithObserver(recorder),
	)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	refresher := feed.NewRefresher(db, feed.Options{
		Client:           &http.Client{Timeout: c.cfg.FetchTimeout()},
		UserAgent:        c.cfg.Fetch.UserAgent,
		FetchesPerSecond: c.cfg.Fetch.PerSecond,
		Burst:            c.cfg.Fetch.Burst,
	})

	return &runtime{db: db, sched: sched, refresher: refresher, metrics: recorder}, nil
}

// close flushes the scheduler and closes the database.
func (rt *runtime) close(ctx context.Context) error {
	schedErr := rt.sched.Close(ctx)
	dbErr := rt.db.Close()

	return errors.Join(schedErr, dbErr)
}

func (rt *runtime) app() *server.App {
	return server.New(server.Deps{
		DB:        rt.db,
		Scheduler: rt.sched,
		Refresher: rt.refresher,
		Metrics:   rt.metrics,
		Location:  time.Local,
	})
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled refresh loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	rt, err := c.open(ctx)
	if err != nil {
		return err
	}

	app := rt.app()

	srv := &http.Server{
		Addr:              c.cfg.Listen,
		Handler:           app.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)

	err = app.StartBackgroundLoops(gCtx, c.cfg.Refresh.Cron)
	if err != nil {
		_ = rt.close(context.Background())

		return err
	}

	if c.cfg.Refresh.RunOnStart {
		g.Go(func() error {
			_, cycleErr := app.RunCycle(gCtx)
			if cycleErr != nil && gCtx.Err() == nil {
				slog.Error("startup refresh cycle failed", "err", cycleErr)
			}

			return nil
		})
	}

	g.Go(func() error {
		slog.Info("server listening", "addr", srv.Addr)

		listenErr := srv.ListenAndServe()
		if listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", listenErr)
		}

		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Shutdown())
		defer cancel()

		return errors.Join(
			srv.Shutdown(shutdownCtx),
			app.StopBackgroundLoops(shutdownCtx),
			rt.close(shutdownCtx),
		)
	})

	return g.Wait()
}

func (c *cli) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh cycle and exit",
		Long:  "Run one gated refresh cycle. Suitable for an external cron job.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			rt, err := c.open(ctx)
			if err != nil {
				return err
			}

			result, cycleErr := rt.app().RunCycle(ctx)
			closeErr := rt.close(context.WithoutCancel(ctx))

			if cycleErr != nil {
				return cycleErr
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "feeds=%d fetched=%d suppressed=%d failed=%d\n",
				result.Feeds, result.Fetched, result.Suppressed, result.Failed)
			if err != nil {
				return err
			}

			return closeErr
		},
	}
}

func (c *cli) previewCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show when each managed feed is fetched next",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			rt, err := c.open(ctx)
			if err != nil {
				return err
			}

			defer func() {
				closeErr := rt.close(context.WithoutCancel(ctx))
				if closeErr != nil {
					slog.Warn("close failed", "err", closeErr)
				}
			}()

			preview, err := rt.sched.Preview(ctx)
			if err != nil {
				return fmt.Errorf("build preview: %w", err)
			}

			schedule := view.BuildScheduleView(preview, rt.sched.Config(), time.Local)

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")

				return enc.Encode(schedule)
			}

			return writeScheduleTable(cmd.OutOrStdout(), schedule)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")

	return cmd
}

func writeScheduleTable(w io.Writer, schedule view.ScheduleView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "interval: %dh\tfollow-up: %dm\thosts: %s\n",
		schedule.Config.IntervalHours, schedule.Config.FollowupMinutes, schedule.Config.Hosts)

	sections := []struct {
		title string
		rows  []view.ScheduleRow
	}{
		{"FOLLOW-UP HOSTS", schedule.Followup},
		{"OTHER FEEDS", schedule.Regular},
	}

	for _, section := range sections {
		fmt.Fprintf(tw, "\n%s\n", section.title)
		fmt.Fprintln(tw, "ID\tNAME\tNEXT FETCH\tIN\tSTATUS")

		for _, row := range section.rows {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
				row.FeedID, row.Name, row.NextFetch.Format("2006-01-02 15:04"), row.NextIn, row.Status)
		}
	}

	return tw.Flush()
}

func (c *cli) configureCmd() *cobra.Command {
	var (
		intervalHours   int
		followupMinutes int
		hosts           string
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Change the scheduling configuration",
		Long: `Change the scheduling configuration. Flags that are not given keep their current
value. A follow-up delay of 0 disables follow-ups.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			rt, err := c.open(ctx)
			if err != nil {
				return err
			}

			current := rt.sched.Config()
			update := spread.Update{
				Hosts:           current.HostInput,
				IntervalHours:   current.IntervalHours(),
				FollowupMinutes: current.FollowupMinutes(),
			}

			if cmd.Flags().Changed("interval-hours") {
				update.IntervalHours = intervalHours
			}

			if cmd.Flags().Changed("followup-minutes") {
				update.FollowupMinutes = followupMinutes
			}

			if cmd.Flags().Changed("hosts") {
				update.Hosts = hosts
			}

			updateErr := rt.sched.UpdateConfig(ctx, update)
			cfg := view.BuildScheduleConfigView(rt.sched.Config())
			closeErr := rt.close(context.WithoutCancel(ctx))

			if updateErr != nil {
				return fmt.Errorf("update config: %w", updateErr)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return errors.Join(enc.Encode(cfg), closeErr)
		},
	}

	cmd.Flags().IntVar(&intervalHours, "interval-hours", 24, "refresh interval in hours")
	cmd.Flags().IntVar(&followupMinutes, "followup-minutes", 10, "follow-up delay in minutes, 0 disables")
	cmd.Flags().StringVar(&hosts, "hosts", "", "comma separated follow-up hosts")

	return cmd
}

func (c *cli) importOPMLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-opml FILE",
		Short: "Subscribe to every feed in an OPML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open OPML: %w", err)
			}

			defer func() {
				closeErr := f.Close()
				if closeErr != nil {
					slog.Warn("opml file close failed", "err", closeErr)
				}
			}()

			rt, err := c.open(ctx)
			if err != nil {
				return err
			}

			result, importErr := server.ImportOPML(ctx, rt.db, f)
			if importErr == nil {
				rt.sched.Reconcile(ctx, false)
			}

			closeErr := rt.close(context.WithoutCancel(ctx))
			if importErr != nil {
				return fmt.Errorf("import OPML: %w", importErr)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported=%d skipped=%d\n", result.Imported, result.Skipped)

			return errors.Join(err, closeErr)
		},
	}
}

func (c *cli) exportOPMLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-opml",
		Short: "Write all subscriptions as OPML to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			rt, err := c.open(ctx)
			if err != nil {
				return err
			}

			exportErr := server.ExportOPML(ctx, rt.db, cmd.OutOrStdout())

			return errors.Join(exportErr, rt.close(context.WithoutCancel(ctx)))
		},
	}
}

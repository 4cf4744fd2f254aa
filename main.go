package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	jsonhandler "github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"gorollout/broker"
	"gorollout/config"
	"gorollout/lifecycle"
	"gorollout/store"
)

var (
	cfgFile string
	v       = config.New()
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "gorollout",
	Short: "Reconcile experiments with the remote settings store",
	Long: `gorollout publishes experiments to a reviewed remote settings store.

Each reviewed collection is reconciled on a schedule: pending reviews and
rejections are resolved, confirmed changes are committed locally, and at most
one experiment per collection is pushed for review at a time.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Read(v, cfgFile); err != nil {
			return err
		}
		var err error
		cfg, err = config.Load(v)
		if err != nil {
			return err
		}
		setupLogging(cfg.Log)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the ops HTTP server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the database schema up to date",
	RunE:  runMigrate,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <collection>",
	Short: "Run one reconciliation pass for a collection",
	Args:  cobra.ExactArgs(1),
	RunE:  runReconcile,
}

var syncPreviewCmd = &cobra.Command{
	Use:   "sync-preview",
	Short: "Mirror Preview experiments into the preview collection",
	Args:  cobra.NoArgs,
	RunE:  runSyncPreview,
}

var allocateCmd = &cobra.Command{
	Use:   "allocate <slug>",
	Short: "Allocate or resize an experiment's bucket range",
	Args:  cobra.ExactArgs(1),
	RunE:  runAllocate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./gorollout.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	rootCmd.PersistentFlags().String("database-url", "", "postgres connection url")
	serveCmd.Flags().String("listen", ":8080", "ops HTTP listen address")
	serveCmd.Flags().Duration("interval", 5*time.Minute, "time between reconciliation rounds")

	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("database.url", rootCmd.PersistentFlags().Lookup("database-url"))
	v.BindPFlag("http.listen", serveCmd.Flags().Lookup("listen"))
	v.BindPFlag("scheduler.interval", serveCmd.Flags().Lookup("interval"))

	rootCmd.AddCommand(serveCmd, migrateCmd, reconcileCmd, syncPreviewCmd, allocateCmd)
}

func setupLogging(c config.Log) {
	if c.Format == "json" {
		log.SetHandler(jsonhandler.New(os.Stderr))
	} else {
		log.SetHandler(text.New(os.Stderr))
	}
	log.SetLevel(log.MustParseLevel(c.Level))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.scheduler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           NewServer(sched, a.store, a.registry, a.checks()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		errc <- sched.Run(ctx)
	}()

	select {
	case err = <-errc:
		stop()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Warn("ops server shutdown")
	}
	return err
}

func runMigrate(cmd *cobra.Command, args []string) error {
	db, err := store.Open(cmd.Context(), cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	return store.Migrate(db)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	if len(cfg.Applications(args[0])) == 0 {
		return errors.Errorf("unknown collection %s", args[0])
	}
	return runTask(cmd, "reconcile:"+args[0])
}

func runSyncPreview(cmd *cobra.Command, args []string) error {
	return runTask(cmd, "preview:"+cfg.PreviewCollection)
}

// runTask runs one task under its lease, as the scheduler would.
func runTask(cmd *cobra.Command, name string) error {
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.scheduler()
	if err != nil {
		return err
	}
	result, err := sched.Trigger(cmd.Context(), name)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), result)
	return nil
}

func runAllocate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	exp, err := a.store.Get(ctx, args[0])
	if err != nil {
		return errors.Wrapf(err, "loading %s", args[0])
	}
	before := exp.State()
	r, err := a.allocator.Allocate(ctx, exp)
	if err != nil {
		return err
	}
	message := fmt.Sprintf("%s: %s [%d, %d)", broker.MessageAllocated, r.Group.Namespace(), r.Start, r.End())
	lifecycle.Record(ctx, a.store, lifecycle.SystemActor, lifecycle.Transition{Slug: exp.Slug, Old: before, New: exp.State()}, message)
	fmt.Fprintln(cmd.OutOrStdout(), message)
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/delivery-orchestrator/internal/config"
	"github.com/hochfrequenz/delivery-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/delivery-orchestrator/internal/domain"
	"github.com/hochfrequenz/delivery-orchestrator/internal/gitws"
	"github.com/hochfrequenz/delivery-orchestrator/internal/isolation"
	"github.com/hochfrequenz/delivery-orchestrator/internal/issueapi"
	"github.com/hochfrequenz/delivery-orchestrator/internal/notify"
	"github.com/hochfrequenz/delivery-orchestrator/internal/runstore"
	"github.com/hochfrequenz/delivery-orchestrator/internal/template"
	"github.com/hochfrequenz/delivery-orchestrator/internal/tracker"
)

var (
	templatePath string
	abortReason  string
)

func init() {
	startCmd := &cobra.Command{
		Use:   "start ISSUE",
		Short: "Start a delivery run for an issue and drive it to completion",
		Args:  cobra.ExactArgs(1),
		RunE:  runStart,
	}
	startCmd.Flags().StringVar(&templatePath, "template", "", "pipeline template file (YAML)")
	rootCmd.AddCommand(startCmd)

	resumeCmd := &cobra.Command{
		Use:   "resume RUN",
		Short: "Re-attach to a persisted run and continue it",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
	resumeCmd.Flags().StringVar(&templatePath, "template", "", "pipeline template file (YAML)")
	rootCmd.AddCommand(resumeCmd)

	abortCmd := &cobra.Command{
		Use:   "abort RUN",
		Short: "Abort a run and release its resources",
		Args:  cobra.ExactArgs(1),
		RunE:  runAbort,
	}
	abortCmd.Flags().StringVar(&abortReason, "reason", "aborted by operator", "abort reason recorded on the run")
	rootCmd.AddCommand(abortCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show all runs and their progress",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the event hub, leak sweeper, and config watcher",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func loadTemplate() (*template.Template, error) {
	if templatePath == "" {
		return &template.Template{Name: "default"}, nil
	}
	return template.Load(templatePath)
}

func newLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

// system bundles the wired components behind one CLI invocation
type system struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *runstore.Store
	mgr    *isolation.Manager
	client *issueapi.Client
	coord  *coordinator.Coordinator
	hub    *notify.Hub
}

func buildSystem(cfg *config.Config, log *zap.Logger, withHub bool) (*system, error) {
	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}

	worktrees := gitws.NewWorktreeManager(cfg.General.RepoDir, cfg.Isolation.WorkingCopyDir)
	mgr, err := isolation.NewManager(isolation.Config{
		MaxConcurrent:  cfg.Isolation.MaxConcurrent,
		PrimaryPorts:   cfg.Isolation.PrimaryPorts,
		SecondaryPorts: cfg.Isolation.SecondaryPorts,
	}, worktrees, store, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := mgr.Recover(); err != nil {
		log.Warn("recovering persisted allocations failed", zap.Error(err))
	}

	client := issueapi.NewClient(
		&issueapi.GraphQLTransport{Repo: cfg.API.Repo},
		&issueapi.RESTTransport{Repo: cfg.API.Repo},
		cfg.API.QuotaMode,
		log,
	)

	notifiers := []notify.Notifier{
		notify.NewWebhookNotifier(cfg.Notify.Webhook),
		notify.NewCommentNotifier(client, log),
	}
	var hub *notify.Hub
	if withHub && cfg.Notify.WSListen != "" {
		hub = notify.NewHub(log)
		notifiers = append(notifiers, hub)
	}

	coord := coordinator.New(
		store,
		mgr,
		tracker.New(store, log),
		coordinator.NewCommandExecutor(log),
		notify.NewMultiNotifier(notifiers...),
		&cfg.Phases,
		log,
	)

	return &system{cfg: cfg, log: log, store: store, mgr: mgr, client: client, coord: coord, hub: hub}, nil
}

func (s *system) Close() {
	s.store.Close()
	s.log.Sync()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runStart(cmd *cobra.Command, args []string) error {
	issueID, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("issue must be a number, got %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tmpl, err := loadTemplate()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}

	sys, err := buildSystem(cfg, log, false)
	if err != nil {
		return err
	}
	defer sys.Close()

	ctx, cancel := signalContext()
	defer cancel()

	issue, err := sys.client.FetchIssue(ctx, issueID)
	if err != nil {
		return fmt.Errorf("fetching issue #%d: %w", issueID, err)
	}
	fmt.Printf("Issue #%d: %s\n", issue.Number, issue.Title)

	run, err := sys.coord.Start(ctx, issueID, tmpl)
	if errors.Is(err, domain.ErrCapacityExhausted) {
		return fmt.Errorf("no isolation slot free (cap %d); retry after a run finishes", cfg.Isolation.MaxConcurrent)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Run %s started on branch %s\n", run.ID, run.Branch)

	return drive(ctx, sys, run.ID)
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tmpl, err := loadTemplate()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}

	sys, err := buildSystem(cfg, log, false)
	if err != nil {
		return err
	}
	defer sys.Close()

	ctx, cancel := signalContext()
	defer cancel()

	run, err := sys.coord.Resume(ctx, args[0], tmpl)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s resumed at phase %s (%s)\n", run.ID, run.CurrentPhase, run.Status)

	return drive(ctx, sys, run.ID)
}

func drive(ctx context.Context, sys *system, runID string) error {
	err := sys.coord.Drive(ctx, runID)

	var quota *domain.QuotaExhaustedError
	if errors.As(err, &quota) {
		fmt.Printf("Run %s paused: API quota exhausted, resets %s\n",
			runID, humanize.Time(quota.ResetAt))
		fmt.Printf("Resume with: delivery-orch resume %s\n", runID)
		return nil
	}
	if err != nil {
		return err
	}

	run, err := sys.store.GetRun(runID)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s finished: %s", run.ID, run.Status)
	if run.ResultRef != "" {
		fmt.Printf(" (%s)", run.ResultRef)
	}
	fmt.Println()
	return nil
}

func runAbort(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}

	sys, err := buildSystem(cfg, log, false)
	if err != nil {
		return err
	}
	defer sys.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := sys.coord.Abort(ctx, args[0], abortReason); err != nil {
		return err
	}
	fmt.Printf("Run %s aborted\n", args[0])
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns("")
	if err != nil {
		return err
	}

	var active int
	for _, r := range runs {
		if !r.Status.IsTerminal() {
			active++
		}
	}
	fmt.Printf("Runs: %d total | %d active (cap %d)\n\n",
		len(runs), active, cfg.Isolation.MaxConcurrent)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tISSUE\tSTATUS\tPHASE\tUPDATED\tRESULT")
	for _, r := range runs {
		phase := string(r.CurrentPhase)
		if phase == "" {
			phase = "-"
		}
		result := r.ResultRef
		if result == "" {
			result = "-"
		}
		fmt.Fprintf(w, "%s\t#%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.IssueID, r.Status, phase, humanize.Time(r.UpdatedAt), result)
	}
	return w.Flush()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}

	sys, err := buildSystem(cfg, log, true)
	if err != nil {
		return err
	}
	defer sys.Close()

	ctx, cancel := signalContext()
	defer cancel()

	// Leaked grants belong to runs no longer alive in the store
	liveRuns := func() (map[string]bool, error) {
		runs, err := sys.store.ListRuns("")
		if err != nil {
			return nil, err
		}
		live := make(map[string]bool)
		for _, r := range runs {
			if !r.Status.IsTerminal() {
				live[r.ID] = true
			}
		}
		return live, nil
	}
	sweeper, err := isolation.NewSweeper(sys.mgr, liveRuns, cfg.Isolation.SweepCron, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sweeper.Start(ctx)
		return nil
	})

	if sys.hub != nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/events", sys.hub.HandleWebSocket)
		srv := &http.Server{Addr: cfg.Notify.WSListen, Handler: mux}

		g.Go(func() error {
			log.Info("event hub listening", zap.String("addr", cfg.Notify.WSListen))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	watchPath := configPath
	if watchPath == "" {
		watchPath = config.DefaultConfigPath()
	}
	watcher, err := config.NewWatcher(watchPath, func(updated *config.Config) {
		sys.coord.UpdatePhases(&updated.Phases)
		if err := sweeper.Reschedule(updated.Isolation.SweepCron); err != nil {
			log.Warn("updated sweep_cron rejected, keeping old schedule", zap.Error(err))
		}
		// Pool sizes and the concurrency cap stay fixed until restart:
		// live grants hold ports out of the old ranges
		log.Info("config applied",
			zap.Strings("blocking_phases", updated.Phases.Blocking),
			zap.String("sweep_cron", updated.Isolation.SweepCron))
	}, log)
	if err != nil {
		log.Warn("config watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	fmt.Println("Serving; press Ctrl-C to stop")
	return g.Wait()
}

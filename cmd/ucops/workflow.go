package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tturner/ucops/internal/aggregate"
	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/history"
	"github.com/tturner/ucops/internal/metrics"
	"github.com/tturner/ucops/internal/orch/bundle"
	"github.com/tturner/ucops/internal/orch/controller"
	"github.com/tturner/ucops/internal/progress"
	"github.com/tturner/ucops/internal/target"
	"github.com/tturner/ucops/internal/tui"
	"github.com/tturner/ucops/internal/wizard"
)

const stopTimeout = 30 * time.Second

// followFlags control how a submitted workflow is followed and collected.
type followFlags struct {
	plain       bool
	stay        bool
	noDownload  bool
	zipPath     string
	noHistory   bool
	cleanup     bool
	waitBackend time.Duration
}

func (f *followFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.BoolVar(&f.plain, "plain", false, "Print a status line instead of the interactive screen")
	fs.BoolVar(&f.stay, "stay", false, "Keep the interactive screen open after the workflow settles")
	fs.BoolVar(&f.noDownload, "no-download", false, "Do not download artifacts once the workflow settles")
	fs.StringVar(&f.zipPath, "zip", "", "Also pack the result bundle into this zip file")
	fs.BoolVar(&f.noHistory, "no-history", false, "Do not record the workflow in the history database")
	fs.BoolVar(&f.cleanup, "cleanup", false, "Delete backend records of operations whose artifacts were saved")
	fs.DurationVar(&f.waitBackend, "wait-backend", 0, "Wait up to this long for the backend to accept connections")
}

// workflow wires one wizard to one controller for a single run.
type workflow struct {
	s       *session
	name    string
	source  string
	wizard  *wizard.Controller
	ctrl    *controller.Controller
	metrics *metrics.Metrics
	trace   *metrics.Writer
	history *history.Store
}

func newWorkflow(ctx context.Context, s *session, flow wizard.Flow, name, source string, record bool) (*workflow, error) {
	wf := &workflow{s: s, name: name, source: source, metrics: metrics.New()}

	opts := controller.Options{
		Name:    name,
		Policy:  s.cfg.Policy(),
		Logger:  s.logger,
		Metrics: wf.metrics,
		OnPhase: func(p controller.Phase, msg string) {
			s.logger.Verbose("workflow phase %s: %s", p, msg)
		},
	}
	if s.cfg.TraceCSV != "" || s.cfg.TraceJSON != "" {
		trace, err := metrics.NewWriter(s.cfg.TraceCSV, s.cfg.TraceJSON)
		if err != nil {
			return nil, fmt.Errorf("open trace output: %w", err)
		}
		wf.trace = trace
		opts.Trace = trace
	}
	if record {
		store, err := history.Open(ctx, s.cfg.HistoryDB)
		if err != nil {
			s.logger.Warn("workflow history disabled: %v", err)
		} else {
			wf.history = store
			opts.Recorder = store
		}
	}

	reg := target.NewRegistry(s.cfg.MaxTargets)
	wf.ctrl = controller.New(s.client, reg, opts)
	wf.wizard = wizard.New(flow, reg, wizard.Config{
		Launcher:   wf.ctrl,
		Resetter:   wf.ctrl,
		Discoverer: s.client,
		Logger:     s.logger,
	})
	return wf, nil
}

func (wf *workflow) close() {
	wf.ctrl.Close()
	if wf.trace != nil {
		if sum := wf.trace.Summary(); sum.Polls > 0 {
			wf.s.logger.Info("poll trace:\n%s", strings.TrimRight(metrics.FormatSummary(sum), "\n"))
		}
		if err := wf.trace.Close(); err != nil {
			wf.s.logger.Warn("close trace output: %v", err)
		}
	}
	if wf.history != nil {
		wf.history.Close()
	}
}

// execute launches the workflow through submit, follows it until it
// settles and saves the results. Interrupting stops every unsettled
// operation.
func (wf *workflow) execute(ctx context.Context, flags *followFlags, out io.Writer, submit func(context.Context) error) error {
	cfg := wf.s.cfg
	runCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if flags.waitBackend > 0 {
		if err := controller.WaitForBackendReady(runCtx, cfg.APIURL, flags.waitBackend); err != nil {
			return wf.s.backendError(err)
		}
	}
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(runCtx, cfg.MetricsAddr, wf.metrics); err != nil {
				wf.s.logger.Warn("metrics endpoint: %v", err)
			}
		}()
	}

	if err := submit(runCtx); err != nil {
		return wrapRunError(wf.s, err)
	}
	state := wf.wizard.State()
	wf.s.logger.LogStartup(wf.ctrl.WorkflowID(), string(state.Flow), len(state.Targets), cfg.APIURL, wf.source)

	detached, err := wf.follow(runCtx, flags)
	if err != nil {
		return err
	}
	if detached {
		fmt.Fprintf(out, "Detached from workflow %s; backend operations keep running.\n", wf.ctrl.WorkflowID())
		return nil
	}

	collectCtx := runCtx
	if runCtx.Err() != nil {
		wf.s.logger.Warn("interrupted, stopping operations")
		wf.stopAndWait()
		// A second interrupt aborts the downloads.
		var cancel context.CancelFunc
		collectCtx, cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
	}

	res, results, err := wf.collect(collectCtx, flags)
	printResult(out, res, results)
	if err != nil {
		return err
	}
	switch res.Summary.Status {
	case aggregate.Failed, aggregate.Cancelled:
		return fmt.Errorf("workflow %s", res.Summary.Status)
	}
	return nil
}

// follow blocks until the workflow settles, ctx ends or the user leaves
// the interactive screen.
func (wf *workflow) follow(ctx context.Context, flags *followFlags) (detached bool, err error) {
	if !flags.plain && interactive() {
		wf.s.logger.SetConsole(io.Discard)
		defer wf.s.logger.SetConsole(os.Stderr)
		res, err := tui.Watch(ctx, wf.ctrl, tui.WatchOptions{ExitOnSettle: !flags.stay, StopTimeout: stopTimeout})
		if err != nil && ctx.Err() == nil {
			return false, err
		}
		if res.Detached {
			return true, nil
		}
	} else {
		wf.followPlain(ctx)
	}
	if _, err := wf.ctrl.Wait(ctx); err != nil && ctx.Err() == nil {
		return false, err
	}
	return false, nil
}

func (wf *workflow) followPlain(ctx context.Context) {
	events, unsubscribe := wf.ctrl.Subscribe(64)
	defer unsubscribe()

	settled := make(chan struct{})
	go func() {
		defer close(settled)
		wf.ctrl.Wait(ctx)
	}()

	line := progress.NewStatusLine(string(wf.wizard.Flow()))
	line.Render(wf.ctrl.Summary())
	for {
		select {
		case <-ctx.Done():
			return
		case <-settled:
			line.Finish(wf.ctrl.Summary())
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Update.Changed() {
				line.Transition(wf.describe(ev.Update.TargetID), ev.Update.Current)
			}
			line.Render(ev.Summary)
		}
	}
}

func (wf *workflow) describe(targetID string) string {
	if t, ok := wf.wizard.Registry().Get(targetID); ok {
		return t.String()
	}
	return targetID
}

// stopAndWait requests a stop and gives the backend stopTimeout to
// settle the operations.
func (wf *workflow) stopAndWait() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := wf.ctrl.Stop(ctx); err != nil {
		wf.s.logger.Warn("stop: %v", err)
	}
	if _, err := wf.ctrl.Wait(ctx); err != nil {
		wf.s.logger.Warn("operations still running after %s", stopTimeout)
	}
}

func (wf *workflow) collect(ctx context.Context, flags *followFlags) (controller.Result, []bundle.Result, error) {
	cfg := wf.s.cfg
	res := wf.ctrl.Result()
	b, err := bundle.Create(cfg.DownloadDir, res.WorkflowID)
	if err != nil {
		return res, nil, err
	}
	coord := bundle.NewCoordinator(wf.s.client, b, bundle.Options{
		Stagger:  cfg.DownloadStagger,
		Logger:   wf.s.logger,
		Metrics:  wf.metrics,
		Progress: os.Stderr,
	})
	results, err := wf.ctrl.Collect(ctx, coord, controller.CollectOptions{
		Download: !flags.noDownload,
		ZipPath:  flags.zipPath,
		Cleanup:  flags.cleanup,
	})
	wf.s.logger.Info("results saved to %s", b.Path)
	return wf.ctrl.Result(), results, err
}

func printResult(out io.Writer, res controller.Result, downloads []bundle.Result) {
	styles := tui.DefaultStyles
	saved := make(map[string]bundle.Result, len(downloads))
	for _, d := range downloads {
		saved[d.TargetID] = d
	}
	names := make(map[string]string, len(res.Targets))
	for _, t := range res.Targets {
		names[t.ID] = t.String()
	}

	table := tui.Table{Headers: []string{"TARGET", "STATUS", "HEALTH", "DOWNLOAD", "ERROR"}}
	for _, op := range res.Operations {
		download := ""
		if d, ok := saved[op.TargetID]; ok {
			if d.Err != nil {
				download = "failed: " + d.Err.Error()
			} else {
				download = humanize.Bytes(uint64(d.Bytes))
				if n := len(d.Artifacts); n > 0 {
					download += fmt.Sprintf(" (%d %s)", n, plural(n, "file", "files"))
				}
			}
		}
		table.Rows = append(table.Rows, []string{
			names[op.TargetID],
			string(op.Status),
			string(op.Health),
			download,
			op.Error,
		})
	}

	fmt.Fprintf(out, "\nWorkflow %s (%s): %s\n", res.WorkflowID, res.Flow, tui.WorkflowStyle(res.Summary.Status, styles).Render(string(res.Summary.Status)))
	if !res.FinishedAt.IsZero() {
		fmt.Fprintf(out, "Duration: %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Second))
	}
	fmt.Fprintln(out, table.Render(styles))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// wrapRunError explains backend failures; other errors pass through.
func wrapRunError(s *session, err error) error {
	var apiErr *backend.APIError
	var urlErr *url.Error
	if stderrors.As(err, &apiErr) || stderrors.As(err, &urlErr) {
		return s.backendError(err)
	}
	return err
}

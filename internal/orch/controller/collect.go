package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/operation"
	"github.com/tturner/ucops/internal/orch/bundle"
	"github.com/tturner/ucops/internal/target"
)

// HealthReporter exposes the raw response of a finished health probe.
type HealthReporter interface {
	HealthReport(ref operation.Ref) ([]byte, bool)
}

// CollectOptions select what Collect saves.
type CollectOptions struct {
	// Download fetches every ready artifact.
	Download bool
	// ZipPath, when set, also packs the bundle into one archive.
	ZipPath string
	// Cleanup deletes the backend record of every operation whose
	// artifact was saved.
	Cleanup bool
}

// Collect saves the results of a settled workflow into the coordinator's
// bundle: ready artifacts, health reports, the workflow summary and the
// hash manifest. It never changes operation state.
func (c *Controller) Collect(ctx context.Context, coord *bundle.Coordinator, opts CollectOptions) ([]bundle.Result, error) {
	c.SetPhase(PhaseCollect, "collecting results")
	defer c.SetPhase(PhaseDone, "done")

	targets := c.registry.List()
	files := make(map[string][]string)

	if reporter, ok := c.client.(HealthReporter); ok {
		for _, t := range targets {
			op, ok := c.store.Get(t.ID)
			if !ok || op.Kind != operation.KindHealthProbe || !op.Terminal() {
				continue
			}
			data, ok := reporter.HealthReport(op.Ref)
			if !ok {
				continue
			}
			rel, err := coord.SaveReport(t, "health_report.json", data)
			if err != nil {
				return nil, fmt.Errorf("save health report for %s: %w", t, err)
			}
			files[t.ID] = append(files[t.ID], rel)
		}
	}

	var results []bundle.Result
	var dlErr error
	if opts.Download {
		results, dlErr = coord.DownloadAll(ctx, targets, c.Lookup)
		for _, r := range results {
			if r.Err == nil && r.Path != "" {
				files[r.TargetID] = append(files[r.TargetID], r.Path)
			}
		}
	}

	// Listed before cleanup, which removes the backend records.
	listings := c.listArtifacts(ctx, targets)
	for i := range results {
		results[i].Artifacts = listings[results[i].TargetID]
	}

	if opts.Cleanup {
		c.cleanup(ctx, results)
	}

	b := coord.Bundle()
	if err := b.WriteMeta(c.Result().Meta(files, listings)); err != nil {
		return results, err
	}
	if err := b.Finalize(); err != nil {
		return results, err
	}
	if opts.ZipPath != "" {
		if err := b.Zip(opts.ZipPath); err != nil {
			return results, fmt.Errorf("write archive: %w", err)
		}
		c.opts.Logger.Info("bundle written to %s", opts.ZipPath)
	}
	return results, dlErr
}

// listArtifacts asks the backend which files make up each downloadable
// result. A failed listing is logged and leaves the target without one.
func (c *Controller) listArtifacts(ctx context.Context, targets []target.Target) map[string][]backend.Artifact {
	out := make(map[string][]backend.Artifact)
	for _, t := range targets {
		op, ok := c.store.Get(t.ID)
		if !ok || !op.Downloadable() {
			continue
		}
		list, err := c.client.Artifacts(ctx, op.Ref)
		switch {
		case errors.Is(err, backend.ErrUnsupported):
			continue
		case err != nil:
			c.opts.Logger.Warn("list artifacts for %s: %v", t, err)
			continue
		}
		out[t.ID] = list
		c.opts.Logger.Verbose("%s reports %d artifact(s)", t, len(list))
	}
	return out
}

// cleanup removes backend records once their artifacts are on disk.
// Routes without a delete endpoint are skipped.
func (c *Controller) cleanup(ctx context.Context, results []bundle.Result) {
	for _, r := range results {
		if r.Err != nil || r.Path == "" {
			continue
		}
		op, ok := c.store.Get(r.TargetID)
		if !ok {
			continue
		}
		err := c.client.Delete(ctx, op.Ref)
		switch {
		case errors.Is(err, backend.ErrUnsupported):
			c.opts.Logger.Debug("no delete endpoint for %s", c.describe(r.TargetID))
		case err != nil:
			c.opts.Logger.Warn("delete backend record for %s: %v", c.describe(r.TargetID), err)
		default:
			c.opts.Logger.Verbose("deleted backend record %s", op.Ref.ID)
		}
	}
}

// Meta converts the result into the bundle's workflow summary. files and
// artifacts are keyed by target id: the saved files and the backend's
// listing of them.
func (r Result) Meta(files map[string][]string, artifacts map[string][]backend.Artifact) *bundle.WorkflowMeta {
	meta := &bundle.WorkflowMeta{
		WorkflowID: r.WorkflowID,
		Name:       r.Name,
		Kind:       string(r.Flow),
		Status:     string(r.Summary.Status),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Health:     string(r.Summary.Health),
	}
	if !r.FinishedAt.IsZero() {
		meta.DurationSeconds = r.FinishedAt.Sub(r.StartedAt).Seconds()
	}
	ops := make(map[string]operation.Operation, len(r.Operations))
	for _, op := range r.Operations {
		ops[op.TargetID] = op
	}
	for _, t := range r.Targets {
		tm := targetMeta(t, ops[t.ID], files[t.ID])
		tm.Artifacts = artifacts[t.ID]
		meta.Targets = append(meta.Targets, tm)
	}
	return meta
}

func targetMeta(t target.Target, op operation.Operation, files []string) bundle.TargetMeta {
	tm := bundle.TargetMeta{
		TargetID:    t.ID,
		Device:      string(t.DeviceType),
		Host:        t.Host,
		OperationID: op.Ref.ID,
		Status:      string(op.Status),
		Progress:    op.Progress,
		Files:       files,
		Error:       op.Error,
	}
	if op.Kind == operation.KindHealthProbe {
		tm.Health = string(op.Health)
	}
	return tm
}

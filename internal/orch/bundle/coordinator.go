package bundle

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/logging"
	"github.com/tturner/ucops/internal/metrics"
	"github.com/tturner/ucops/internal/operation"
	"github.com/tturner/ucops/internal/target"
)

// DefaultStagger separates consecutive download triggers.
const DefaultStagger = 500 * time.Millisecond

// ErrNotReady rejects a download whose operation is not download-ready.
var ErrNotReady = errors.New("operation is not ready for download")

// Fetcher streams an operation's artifacts.
type Fetcher interface {
	FetchBundle(ctx context.Context, ref operation.Ref) (*backend.Download, error)
}

// Lookup returns the operation recorded for a target.
type Lookup func(targetID string) (operation.Operation, bool)

// Options configure a Coordinator.
type Options struct {
	Stagger time.Duration
	Clock   clockwork.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	// Progress receives byte progress bars. Nil disables them.
	Progress io.Writer
}

// Result describes one triggered download.
type Result struct {
	TargetID    string
	Path        string
	Bytes       int64
	SHA256      string
	TriggeredAt time.Time
	Err         error
	// Artifacts lists the files inside the download when the backend
	// reports them.
	Artifacts []backend.Artifact
}

// Coordinator saves ready artifacts into a bundle. It reads operations
// but never changes them.
type Coordinator struct {
	fetcher Fetcher
	bundle  *Bundle
	opts    Options
}

// NewCoordinator returns a coordinator saving into b.
func NewCoordinator(f Fetcher, b *Bundle, opts Options) *Coordinator {
	if opts.Stagger <= 0 {
		opts.Stagger = DefaultStagger
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Coordinator{fetcher: f, bundle: b, opts: opts}
}

func (c *Coordinator) Bundle() *Bundle { return c.bundle }

// DownloadOne fetches the artifacts of one target. It is refused with
// ErrNotReady, and a warning, unless op is download-ready.
func (c *Coordinator) DownloadOne(ctx context.Context, t target.Target, op operation.Operation) (Result, error) {
	if !op.DownloadReady {
		c.opts.Logger.Warn("download of %s skipped: operation %s is %s and not ready", t, op.Ref.ID, op.Status)
		return Result{TargetID: t.ID, Err: ErrNotReady}, ErrNotReady
	}
	res := Result{TargetID: t.ID, TriggeredAt: c.opts.Clock.Now()}
	c.fetch(ctx, t, op, &res)
	return res, res.Err
}

// Ready returns, in registration order, the targets whose operation is
// settled successfully and download-ready.
func Ready(targets []target.Target, lookup Lookup) []target.Target {
	var out []target.Target
	for _, t := range targets {
		if op, ok := lookup(t.ID); ok && op.Downloadable() {
			out = append(out, t)
		}
	}
	return out
}

// DownloadAll triggers one download per ready target, in registration
// order, waiting the stagger delay between triggers. Downloads run
// concurrently once triggered. Results follow trigger order; the error
// joins every failed download.
func (c *Coordinator) DownloadAll(ctx context.Context, targets []target.Target, lookup Lookup) ([]Result, error) {
	ready := Ready(targets, lookup)
	results := make([]Result, len(ready))
	if len(ready) == 0 {
		c.opts.Logger.Warn("no targets are ready for download")
		return results, nil
	}

	var g errgroup.Group
	for i, t := range ready {
		if i > 0 {
			select {
			case <-ctx.Done():
				for j := i; j < len(ready); j++ {
					results[j] = Result{TargetID: ready[j].ID, Err: ctx.Err()}
				}
				_ = g.Wait()
				return results, ctx.Err()
			case <-c.opts.Clock.After(c.opts.Stagger):
			}
		}
		op, _ := lookup(t.ID)
		results[i] = Result{TargetID: t.ID, TriggeredAt: c.opts.Clock.Now()}
		res := &results[i]
		t := t
		g.Go(func() error {
			c.fetch(ctx, t, op, res)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.TargetID, r.Err))
		}
	}
	return results, errors.Join(errs...)
}

func (c *Coordinator) fetch(ctx context.Context, t target.Target, op operation.Operation, res *Result) {
	dl, err := c.fetcher.FetchBundle(ctx, op.Ref)
	if err != nil {
		res.Err = err
		c.opts.Metrics.ObserveDownload(0, err)
		c.opts.Logger.Error("download %s failed: %v", t, err)
		return
	}
	defer dl.Body.Close()

	name := dl.Filename
	if name == "" {
		name = defaultFilename(t, op)
	}
	f, rel, err := c.bundle.CreateTargetFile(t, name)
	if err != nil {
		res.Err = err
		c.opts.Metrics.ObserveDownload(0, err)
		return
	}

	h := sha256.New()
	writers := []io.Writer{f, h}
	var bar *progressbar.ProgressBar
	if c.opts.Progress != nil {
		bar = progressbar.NewOptions64(dl.Size,
			progressbar.OptionSetWriter(c.opts.Progress),
			progressbar.OptionSetDescription(t.String()),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		writers = append(writers, bar)
	}

	n, err := io.Copy(io.MultiWriter(writers...), dl.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if bar != nil {
		_ = bar.Finish()
	}
	c.opts.Metrics.ObserveDownload(n, err)
	if err != nil {
		res.Err = fmt.Errorf("save %s: %w", rel, err)
		c.opts.Logger.Error("download %s failed: %v", t, res.Err)
		return
	}

	res.Path = filepath.ToSlash(rel)
	res.Bytes = n
	res.SHA256 = hex.EncodeToString(h.Sum(nil))
	c.opts.Logger.Info("saved %s from %s (%s)", res.Path, t, humanize.Bytes(uint64(n)))
}

// SaveReport stores a report body, such as a health probe response,
// next to the target's other files.
func (c *Coordinator) SaveReport(t target.Target, name string, data []byte) (string, error) {
	rel, err := c.bundle.WriteTargetFile(t, name, data)
	if err != nil {
		return "", err
	}
	c.opts.Logger.Verbose("saved report %s for %s", rel, t)
	return filepath.ToSlash(rel), nil
}

// Zip packs every file of the bundle into a zip archive at path.
func (b *Bundle) Zip(path string) error {
	files, err := b.Files()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)
	for _, rel := range files {
		if err := addToZip(zw, filepath.Join(b.Path, filepath.FromSlash(rel)), b.WorkflowID+"/"+rel); err != nil {
			zw.Close()
			out.Close()
			return fmt.Errorf("zip %s: %w", rel, err)
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func addToZip(zw *zip.Writer, src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

func defaultFilename(t target.Target, op operation.Operation) string {
	ext := ".zip"
	if op.Kind == operation.KindCapture {
		ext = ".pcap"
	}
	return fmt.Sprintf("%s_%s_%s%s", t.DeviceType, t.Host, op.Ref.ID, ext)
}

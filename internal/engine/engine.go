// Package engine runs the DASH acquisition pipeline: representation
// selection, segment planning, download, decryption and remux.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mohaanymo/mpdecrypt/internal/config"
	"github.com/mohaanymo/mpdecrypt/internal/decryptor"
	"github.com/mohaanymo/mpdecrypt/internal/httpclient"
	"github.com/mohaanymo/mpdecrypt/internal/logger"
	"github.com/mohaanymo/mpdecrypt/internal/models"
	"github.com/mohaanymo/mpdecrypt/internal/parser"
	"github.com/mohaanymo/mpdecrypt/internal/procexec"
	"github.com/mohaanymo/mpdecrypt/internal/progress"
	"github.com/mohaanymo/mpdecrypt/internal/workdir"
)

// State is a pipeline state. Transitions only move forward.
type State int

const (
	StateIdle State = iota
	StateManifestFetched
	StateSelected
	StatePlanned
	StateDownloading
	StateDecrypting
	StateRemuxing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateManifestFetched:
		return "ManifestFetched"
	case StateSelected:
		return "Selected"
	case StatePlanned:
		return "Planned"
	case StateDownloading:
		return "Downloading"
	case StateDecrypting:
		return "Decrypting"
	case StateRemuxing:
		return "Remuxing"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IsFinished reports whether s is terminal.
func (s State) IsFinished() bool {
	return s == StateDone || s == StateFailed
}

// Stage names used in errors and events.
const (
	StageManifest = "manifest"
	StageSelect   = "select"
	StagePlan     = "plan"
)

// Job is one validated pipeline request.
type Job struct {
	ManifestURL      string
	RepresentationID string // empty selects by bandwidth
	Language         string // preferred companion language, optional
	Keys             models.KeyMap
	Output           string // output container path
}

// Result is the terminal value of a run. Err is nil exactly when State is
// StateDone.
type Result struct {
	State    State
	Output   string
	Err      error
	Selected []*models.Representation
	Elapsed  time.Duration
}

// Pipeline sequences the stages for one run at a time per call to Run.
// A Pipeline may run several jobs concurrently; each run owns its own
// working directory.
type Pipeline struct {
	cfg      *config.Config
	client   parser.Doer
	runner   procexec.Runner
	sink     progress.Sink
	log      logger.Logger
	onState  func(State)
	onSelect func([]*models.Representation)

	primitive decryptor.Primitive
	fetcher   SegmentFetcher
	decrypter SegmentDecrypter
	muxer     Muxer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClient sets the HTTP client used for the manifest and segments.
func WithClient(c parser.Doer) Option { return func(p *Pipeline) { p.client = c } }

// WithRunner sets the external process runner.
func WithRunner(r procexec.Runner) Option { return func(p *Pipeline) { p.runner = r } }

// WithSink sets the progress sink. It is wrapped in a progress.Throttle for
// every run, so it may be slow or reject updates. Without one, progress is
// logged at debug level.
func WithSink(s progress.Sink) Option { return func(p *Pipeline) { p.sink = s } }

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(p *Pipeline) { p.log = l } }

// WithStateHook registers fn to be called synchronously on every state
// change.
func WithStateHook(fn func(State)) Option { return func(p *Pipeline) { p.onState = fn } }

// WithSelectionHook registers fn to be called with the selected
// representations, primary first, before planning starts.
func WithSelectionHook(fn func([]*models.Representation)) Option {
	return func(p *Pipeline) { p.onSelect = fn }
}

// WithPrimitive overrides the decryption primitive chosen from config.
func WithPrimitive(d decryptor.Primitive) Option { return func(p *Pipeline) { p.primitive = d } }

// WithFetcher replaces the fetch stage.
func WithFetcher(f SegmentFetcher) Option { return func(p *Pipeline) { p.fetcher = f } }

// WithDecrypter replaces the decryption stage.
func WithDecrypter(d SegmentDecrypter) Option { return func(p *Pipeline) { p.decrypter = d } }

// WithMuxer replaces the remux stage.
func WithMuxer(m Muxer) Option { return func(p *Pipeline) { p.muxer = m } }

// New creates a pipeline. cfg must already be validated; tool paths should
// be resolved with cfg.ResolveTools.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	p := &Pipeline{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.NewNop()
	}
	if p.sink == nil {
		p.sink = progress.LogSink(p.log)
	}
	if p.client == nil {
		p.client = httpclient.New(httpclient.Config{
			HeaderTimeout: cfg.Timeout,
			Headers:       cfg.Headers,
			MaxBandwidth:  cfg.MaxBandwidth,
		})
	}
	if p.runner == nil {
		p.runner = procexec.NewExec(p.log)
	}
	if p.primitive == nil && p.decrypter == nil {
		prim, err := decryptor.New(cfg, p.runner, p.log)
		if err != nil {
			return nil, err
		}
		p.primitive = prim
	}
	return p, nil
}

// run carries the per-run state of Pipeline.Run.
type run struct {
	p      *Pipeline
	log    logger.Logger
	sink   progress.Sink
	state  State
	output string
}

func (r *run) enter(ctx context.Context, s State, msg string) {
	r.state = s
	if r.p.onState != nil {
		r.p.onState(s)
	}
	r.log.Info("pipeline state", logger.String("state", s.String()))
	_ = r.sink.Send(ctx, progress.Event{Stage: "pipeline", State: s.String(), Segment: -1, Percent: -1, Message: msg, Time: time.Now()})
}

// Run executes job and returns its single terminal result. Transient files
// are removed on every path; a partially written output is removed when the
// run fails.
func (p *Pipeline) Run(ctx context.Context, job Job) Result {
	start := time.Now()
	throttle := progress.NewThrottle(p.sink, p.log)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		throttle.Close(closeCtx)
	}()

	r := &run{p: p, log: p.log.With(logger.String("url", job.ManifestURL)), sink: throttle, output: job.Output}
	r.enter(ctx, StateIdle, "")

	res := r.execute(ctx, job)
	res.Elapsed = time.Since(start)
	if res.Err != nil {
		res.State = StateFailed
		r.enter(ctx, StateFailed, res.Err.Error())
		r.log.Error("pipeline failed", logger.Error(res.Err), logger.Duration("elapsed", res.Elapsed))
		return res
	}
	res.State = StateDone
	res.Output = job.Output
	r.enter(ctx, StateDone, job.Output)
	r.log.Info("pipeline finished", logger.String("output", job.Output), logger.Duration("elapsed", res.Elapsed))
	return res
}

func (r *run) execute(ctx context.Context, job Job) (res Result) {
	p := r.p

	if err := checkCanceled(ctx, StageManifest); err != nil {
		return Result{Err: err}
	}

	dir, err := workdir.New(p.cfg.WorkRoot)
	if err != nil {
		return Result{Err: fmt.Errorf("working directory: %w", err)}
	}
	defer func() {
		if err := dir.Remove(); err != nil {
			r.log.Warn("remove working directory", logger.String("path", dir.Path), logger.Error(err))
		}
	}()
	r.log.Debug("working directory", logger.String("path", dir.Path))

	fail := func(stage string, err error) Result {
		if names, lsErr := dir.Entries(); lsErr == nil && len(names) > 0 {
			r.log.Debug("discarding working files", logger.Int("files", len(names)))
		}
		if r.state >= StateRemuxing && job.Output != "" {
			if rmErr := os.Remove(job.Output); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				r.log.Warn("remove partial output", logger.String("path", job.Output), logger.Error(rmErr))
			}
		}
		return Result{Err: models.WithStage(err, stage), Selected: res.Selected}
	}

	manifest, err := parser.Load(ctx, p.client, job.ManifestURL, p.cfg.Headers)
	if err != nil {
		return fail(StageManifest, err)
	}
	r.enter(ctx, StateManifestFetched, fmt.Sprintf("%d representations", len(manifest.Representations())))

	if err := checkCanceled(ctx, StageSelect); err != nil {
		return fail(StageSelect, err)
	}
	primary, err := Select(manifest, job.RepresentationID)
	if err != nil {
		return fail(StageSelect, err)
	}
	res.Selected = []*models.Representation{primary}
	if p.cfg.Companion {
		if companion := SelectCompanion(manifest, primary, job.Language); companion != nil {
			res.Selected = append(res.Selected, companion)
		}
	}
	for _, rep := range res.Selected {
		r.log.Info("representation selected", logger.String("rep", rep.Label()))
	}
	if p.onSelect != nil {
		p.onSelect(res.Selected)
	}
	r.enter(ctx, StateSelected, primary.Label())

	if err := checkCanceled(ctx, StagePlan); err != nil {
		return fail(StagePlan, err)
	}
	opts := PlanOptions{Policy: p.cfg.SegmentCountPolicy, Count: p.cfg.SegmentCount, Duration: manifest.Duration}
	plans := make([]models.SegmentPlan, 0, len(res.Selected))
	total := 0
	for _, rep := range res.Selected {
		plan, err := Plan(rep, opts)
		if err != nil {
			return fail(StagePlan, err)
		}
		plans = append(plans, plan)
		total += plan.Len()
	}
	r.enter(ctx, StatePlanned, fmt.Sprintf("%d segments", total))

	if err := checkCanceled(ctx, StageDownload); err != nil {
		return fail(StageDownload, err)
	}
	r.enter(ctx, StateDownloading, "")
	downloaded, err := r.fetcher().Fetch(ctx, plans, dir.Path)
	if err != nil {
		return fail(StageDownload, err)
	}

	if err := checkCanceled(ctx, StageDecrypt); err != nil {
		return fail(StageDecrypt, err)
	}
	r.enter(ctx, StateDecrypting, "")
	decrypted, err := r.decrypter().Decrypt(ctx, downloaded, job.Keys)
	if err != nil {
		return fail(StageDecrypt, err)
	}

	if err := checkCanceled(ctx, StageRemux); err != nil {
		return fail(StageRemux, err)
	}
	r.enter(ctx, StateRemuxing, "")
	audio, video := Partition(decrypted)
	muxer := r.muxer()
	if len(plans) == 1 {
		seq := video
		if len(seq) == 0 {
			seq = audio
		}
		err = muxer.RemuxSingle(ctx, seq, job.Output)
	} else {
		err = muxer.Remux(ctx, audio, video, job.Output)
	}
	if err != nil {
		return fail(StageRemux, err)
	}
	return res
}

func (r *run) fetcher() SegmentFetcher {
	if r.p.fetcher != nil {
		return r.p.fetcher
	}
	return NewFetcher(r.p.cfg, r.p.client, r.sink, r.log)
}

func (r *run) decrypter() SegmentDecrypter {
	if r.p.decrypter != nil {
		return r.p.decrypter
	}
	return NewDecrypter(r.p.cfg, r.p.primitive, r.sink, r.log)
}

func (r *run) muxer() Muxer {
	if r.p.muxer != nil {
		return r.p.muxer
	}
	return NewRemuxer(r.p.cfg, r.p.runner, r.log)
}

func checkCanceled(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		e := models.NewError(models.KindCanceled, "run canceled", err)
		e.Stage = stage
		return e
	}
	return nil
}

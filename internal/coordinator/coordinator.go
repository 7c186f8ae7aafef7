// Package coordinator implements the interface loop (spec §4.7, C7): the
// top-half driver that plans, bootstraps shared module state, drains
// measurements back from workers, posts progress, and decides completion.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/announce"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/boundary"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/event"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/jobserver"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/planner"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/protocol"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/store"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/telemetry"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/workerpool"
)

// idlePollInterval bounds how long the main loop waits on its condition
// variable before re-checking cancellation even if nothing woke it,
// matching the "neither may block indefinitely" rule of spec §5.
const idlePollInterval = 2 * time.Second

// Pipeline is the subset of pipeline capabilities the core depends on
// (spec §3 Module, §1 "pipeline module implementations ... out of scope").
// Everything else about a pipeline (its modules, their settings) is opaque.
type Pipeline interface {
	planner.Aggregator

	// ModuleCount is the length the shared-dictionaries vector must have
	// after bootstrap (spec §3 invariant).
	ModuleCount() int

	// Blob returns the opaque serialized pipeline and a snapshot of global
	// preferences, answered verbatim to PipelinePreferences (spec §4.6).
	Blob() ([]byte, map[string]string)

	// PostGroup runs aggregation for groupNumber if the worker did not
	// already (spec §4.7 step 6, worker_runs_post_group=false path).
	PostGroup(ctx context.Context, groupNumber int) error

	// PostRun runs the final pipeline hook; display emits DisplayPostRun
	// events for the module that produced data (spec §4.7 step 6).
	PostRun(ctx context.Context, display func(moduleNum int, data []byte)) error
}

// Launcher adapts Config worker-launch parameters to workerpool.Launcher.
type Launcher = workerpool.Launcher

// MeasurementsDecoder materialises a Store from a worker's opaque
// MeasurementsReport payload (spec §1 "measurement backing store's file
// format ... out of scope"; this is the one seam where the embedder
// supplies that decoder). imageNumbers is the batch the blob covers.
type MeasurementsDecoder func(buf []byte, imageNumbers []int) (store.Store, error)

// Analysis is one logical run (spec §3 "Analysis"): Setup through Teardown.
type Analysis struct {
	id                  string
	logger              *slog.Logger
	tracer              trace.Tracer
	metrics             *telemetry.REDMetrics
	sink                event.Sink
	mainStore           store.Store
	pipeline            Pipeline
	initialMeasurements []byte

	boundary *boundary.Boundary
	pool     *workerpool.Pool
	beacon   *announce.Beacon
	jobs     *jobserver.Server

	window    planner.Window
	overwrite bool

	decodeMeasurements MeasurementsDecoder

	startSignal chan struct{}
	startOnce   sync.Once

	imageSetsToProcess []int
	sharedDicts        []protocol.SharedDict

	startedPosted  bool
	finishedPosted atomic.Bool
	wasCancelled   atomic.Bool
}

// Deps bundles the collaborators Setup wires together; all are owned
// elsewhere (boundary/pool/beacon are process- or embedder-scoped per
// spec §5 "worker pool is process-wide") and passed in rather than
// constructed here.
type Deps struct {
	ID                  string
	Logger              *slog.Logger
	Tracer              trace.Tracer
	Metrics             *telemetry.REDMetrics
	Sink                event.Sink
	Store               store.Store
	Pipeline            Pipeline
	InitialMeasurements []byte
	Boundary            *boundary.Boundary
	Pool                *workerpool.Pool
	Beacon              *announce.Beacon
	Window              planner.Window
	Overwrite           bool
	MeasurementsDecoder MeasurementsDecoder
}

// New performs Setup (spec §4.7 step 1): takes the store the caller has
// already opened (Deps.Store), builds the job server, and registers it with
// the boundary.
func New(d Deps) *Analysis {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	a := &Analysis{
		id:                  d.ID,
		logger:              d.Logger,
		tracer:              d.Tracer,
		metrics:             d.Metrics,
		sink:                d.Sink,
		mainStore:           d.Store,
		pipeline:            d.Pipeline,
		initialMeasurements: d.InitialMeasurements,
		boundary:            d.Boundary,
		pool:                d.Pool,
		beacon:              d.Beacon,
		window:              d.Window,
		overwrite:           d.Overwrite,
		decodeMeasurements:  d.MeasurementsDecoder,
		startSignal:         make(chan struct{}),
	}

	if a.decodeMeasurements == nil {
		a.decodeMeasurements = func(buf []byte, imageNumbers []int) (store.Store, error) {
			return store.NewMemoryStore(imageNumbers, a.mainStore.HasGroups()), nil
		}
	}

	a.jobs = jobserver.New(d.Logger, d.Tracer, d.Metrics, a, a.postEvent)

	inbox := make(chan *protocol.Request, 256)
	a.boundary.Register(a.id, inbox)

	go func() {
		if err := a.jobs.Run(context.Background(), inbox); err != nil {
			a.logger.Error("jobserver exited", "analysis_id", a.id, "error", err)
		}
	}()

	return a
}

// PipelineBlob implements jobserver.DataSource.
func (a *Analysis) PipelineBlob() ([]byte, map[string]string) {
	return a.pipeline.Blob()
}

// InitialMeasurements implements jobserver.DataSource.
func (a *Analysis) InitialMeasurements() []byte {
	return a.initialMeasurements
}

// Start runs the interface loop in a new goroutine and blocks until the
// start signal is released (spec §4.7 step 5, "embedder's start() blocks on
// this").
func (a *Analysis) Start(ctx context.Context) {
	go a.run(ctx)

	<-a.startSignal
}

// Cancel implements spec §5 cancellation semantics from the embedder side:
// sets the flag, wakes both tasks; actual teardown happens inside run's
// deferred teardown once the main loop observes cancellation.
func (a *Analysis) Cancel() {
	a.jobs.Cancel()
}

// Pause/Resume delegate to the job server (spec §5).
func (a *Analysis) Pause()  { a.jobs.Pause() }
func (a *Analysis) Resume() { a.jobs.Resume() }

func (a *Analysis) postEvent(e event.Event) {
	if a.sink != nil {
		a.sink(e)
	}
}

func (a *Analysis) releaseStart() {
	a.startOnce.Do(func() { close(a.startSignal) })
}

// run is the body of spec §4.7 steps 2-6, with step 7 (teardown) always
// executing via defer, including on every early-return/panic path.
func (a *Analysis) run(ctx context.Context) {
	defer a.teardown(ctx)

	plan := planner.Plan(a.mainStore, a.window, a.overwrite, a.pipeline)
	a.imageSetsToProcess = plan.ImageSetsToProcess

	a.postEvent(event.Event{Kind: event.KindStarted})
	a.startedPosted = true

	waitingForFirstImageSet, pendingJobs := a.seedWorkQueue(plan)

	a.releaseStart()

	for {
		if a.jobs.Cancelled() {
			a.wasCancelled.Store(true)

			return
		}

		select {
		case err := <-a.jobs.Fatal:
			a.logger.Error("coordinator: protocol error, terminating analysis", "analysis_id", a.id, "error", err)

			return
		default:
		}

		progressed := a.drainReceivedMeasurements(ctx)
		progressed = a.drainInProcess() || progressed

		var bootstrapped bool
		progressed, bootstrapped = a.drainFinished(ctx, waitingForFirstImageSet, pendingJobs, progressed)

		if bootstrapped {
			waitingForFirstImageSet = false
			pendingJobs = nil
		}

		counts := a.statusHistogram()
		a.postEvent(event.Event{Kind: event.KindProgress, ProgressCounts: counts})

		if a.isComplete(counts) {
			a.finishPipeline(ctx, plan)

			return
		}

		if err := a.mainStore.Flush(); err != nil {
			a.logger.Warn("coordinator: flush failed", "analysis_id", a.id, "error", err)
		}

		if progressed {
			continue
		}

		select {
		case <-ctx.Done():
			a.wasCancelled.Store(true)

			return
		case <-a.jobs.Wake:
		case <-a.jobs.Fatal:
			a.logger.Error("coordinator: protocol error, terminating analysis", "analysis_id", a.id)

			return
		case <-time.After(idlePollInterval):
		}
	}
}

// seedWorkQueue implements spec §4.7 step 4.
func (a *Analysis) seedWorkQueue(plan planner.Plan) (waitingForFirstImageSet bool, pendingJobs []jobserver.QueuedJob) {
	if len(plan.Jobs) == 0 {
		return false, nil
	}

	if plan.WorkerRunsPostGroup {
		jobs := make([]jobserver.QueuedJob, len(plan.Jobs))
		for i, j := range plan.Jobs {
			jobs[i] = jobserver.QueuedJob{ImageNumbers: j.ImageNumbers, WorkerRunsPostGroup: true}
		}

		a.jobs.EnqueueJobs(jobs)

		return false, nil
	}

	first := plan.Jobs[0]
	a.jobs.EnqueueJobs([]jobserver.QueuedJob{{ImageNumbers: first.ImageNumbers, WantsDictionary: true}})

	rest := make([]jobserver.QueuedJob, len(plan.Jobs)-1)
	for i, j := range plan.Jobs[1:] {
		rest[i] = jobserver.QueuedJob{ImageNumbers: j.ImageNumbers}
	}

	return true, rest
}

// drainReceivedMeasurements implements spec §4.7 step 6, first bullet.
func (a *Analysis) drainReceivedMeasurements(ctx context.Context) bool {
	drained := false

	for {
		select {
		case batch := <-a.jobs.ReceivedMeasurements:
			a.mergeBatch(ctx, batch)
			drained = true
		default:
			return drained
		}
	}
}

func (a *Analysis) mergeBatch(ctx context.Context, batch jobserver.MeasurementsBatch) {
	recd, err := a.decodeMeasurements(batch.Buf, batch.ImageSetNumbers)
	if err != nil {
		a.logger.Error("coordinator: decode received measurements", "analysis_id", a.id, "error", err)

		return
	}

	defer recd.Close()

	store.MergeReceivedMeasurements(recd, a.mainStore, batch.ImageSetNumbers)
}

// drainInProcess implements spec §4.7 step 6, second bullet.
func (a *Analysis) drainInProcess() bool {
	drained := false

	for {
		select {
		case numbers := <-a.jobs.InProcess:
			for _, n := range numbers {
				// Measurements merged earlier in this pass already made n Done.
				if v, ok := a.mainStore.Get(store.EntityImage, store.FeatureProcessingStatus, n); ok && v.Scalar == store.StatusDone {
					continue
				}

				a.mainStore.Set(store.EntityImage, store.FeatureProcessingStatus, n, store.Value{Scalar: store.StatusInProcess})
			}

			drained = true
		default:
			return drained
		}
	}
}

// drainFinished implements spec §4.7 step 6, third bullet, including the
// bootstrap latch (spec §9 "wait for first image set"). On bootstrap the
// shared dictionaries are installed and pendingJobs enqueued before the
// success is acknowledged.
func (a *Analysis) drainFinished(ctx context.Context, waitingForFirstImageSet bool, pendingJobs []jobserver.QueuedJob, progressed bool) (bool, bool) {
	bootstrapped := false

	for {
		select {
		case success := <-a.jobs.Finished:
			// A success that arrives after its measurements were merged leaves
			// the image set Done.
			if v, ok := a.mainStore.Get(store.EntityImage, store.FeatureProcessingStatus, success.ImageSetNumber); !ok || v.Scalar != store.StatusDone {
				a.mainStore.Set(store.EntityImage, store.FeatureProcessingStatus, success.ImageSetNumber, store.Value{Scalar: store.StatusFinishedWaiting})
			}

			progressed = true

			var reply error

			if waitingForFirstImageSet && !bootstrapped {
				if len(success.SharedDicts) != a.pipeline.ModuleCount() {
					reply = fmt.Errorf("coordinator: shared dictionary length %d != module count %d", len(success.SharedDicts), a.pipeline.ModuleCount())
				} else {
					a.sharedDicts = success.SharedDicts
					a.jobs.InstallSharedDictionaries(success.SharedDicts)
					a.jobs.EnqueueJobs(pendingJobs)
					bootstrapped = true
				}
			}

			if reply != nil {
				_ = success.Reply.Fail(ctx, reply)
			} else if err := success.Reply.Reply(ctx, protocol.AckReply{SharedDicts: success.SharedDicts}); err != nil {
				a.logger.Debug("coordinator: ack reply failed", "analysis_id", a.id, "error", err)
			}
		default:
			return progressed, bootstrapped
		}
	}
}

// statusHistogram recomputes the progress histogram (spec §4.7 step 6,
// fourth bullet).
func (a *Analysis) statusHistogram() map[store.Status]int {
	counts := map[store.Status]int{
		store.StatusUnprocessed:     0,
		store.StatusInProcess:       0,
		store.StatusFinishedWaiting: 0,
		store.StatusDone:            0,
	}

	for _, n := range a.imageSetsToProcess {
		v, ok := a.mainStore.Get(store.EntityImage, store.FeatureProcessingStatus, n)
		if !ok {
			counts[store.StatusUnprocessed]++

			continue
		}

		status, _ := v.Scalar.(store.Status)
		counts[status]++
	}

	return counts
}

func (a *Analysis) isComplete(counts map[store.Status]int) bool {
	if len(a.imageSetsToProcess) == 0 {
		return true
	}

	return counts[store.StatusDone] == len(a.imageSetsToProcess)
}

// finishPipeline implements spec §4.7 step 6's completion branch: position
// at the final image number, run post_group once for any group the worker
// did not, then post_run with a DisplayPostRun-emitting callback.
func (a *Analysis) finishPipeline(ctx context.Context, plan planner.Plan) {
	if !plan.WorkerRunsPostGroup {
		// WorkerRunsPostGroup is false only for ungrouped, non-aggregating
		// runs (internal/planner), so there is no real group to plumb
		// through here; matches the original's single group-agnostic call.
		if err := a.pipeline.PostGroup(ctx, 0); err != nil {
			a.logger.Error("coordinator: post_group failed", "analysis_id", a.id, "group", 0, "error", err)
		}
	}

	display := func(moduleNum int, data []byte) {
		a.postEvent(event.Event{Kind: event.KindDisplayPostRun, ModuleNum: moduleNum, Data: data})
	}

	if err := a.pipeline.PostRun(ctx, display); err != nil {
		a.logger.Error("coordinator: post_run failed", "analysis_id", a.id, "error", err)
	}
}

// teardown implements spec §4.7 step 7, unconditionally.
func (a *Analysis) teardown(ctx context.Context) {
	a.releaseStart()

	if a.startedPosted && a.finishedPosted.CompareAndSwap(false, true) {
		a.postEvent(event.Event{
			Kind:         event.KindFinished,
			Store:        a.mainStore,
			WasCancelled: a.wasCancelled.Load(),
		})
	}

	a.pool.Stop()

	if a.beacon != nil {
		a.beacon.Cancel(a.id)
	}

	a.boundary.Cancel(ctx, a.id)
}

// Package jobserver implements the request/reply state machine that
// services framed worker requests (spec §4.6, C6). It runs as an
// independent task consuming the boundary's inbox; every request type is
// serviced in O(1) time, and everything that needs the interface loop's
// state is handed off through a queue rather than answered inline.
package jobserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/event"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/protocol"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/telemetry"
)

// pauseCheckInterval is the 1-second-timeout wait spec §4.6/§5 describes for
// the paused server, so it keeps announcing liveness without serving work.
const pauseCheckInterval = time.Second

// requestPollInterval bounds each wait for the next request, so a
// cancellation is observed even while no request arrives.
const requestPollInterval = 250 * time.Millisecond

// QueuedJob is one dispatchable unit on the work queue. WantsDictionary is
// decided by the interface loop's bootstrap sequencing (spec §4.7 step 4),
// not by the planner, so it lives here rather than in planner.Job.
type QueuedJob struct {
	ImageNumbers        []int
	WorkerRunsPostGroup bool
	WantsDictionary     bool
}

// SuccessRequest is a pending ImageSetSuccess, queued for the interface loop
// to answer once it has decided whether to attach the shared dictionaries
// (spec §4.6 "do not reply here").
type SuccessRequest struct {
	ImageSetNumber int
	SharedDicts    []protocol.SharedDict
	Reply          *protocol.ReplyHandle
}

// MeasurementsBatch is a pending MeasurementsReport payload (spec §4.7 step 6).
type MeasurementsBatch struct {
	ImageSetNumbers []int
	Buf             []byte
}

// DataSource supplies the static-per-analysis values the dispatch table
// answers from (spec §4.6): the pipeline blob/preferences and the initial
// measurements blob. Both are immutable for the life of the analysis.
type DataSource interface {
	PipelineBlob() ([]byte, map[string]string)
	InitialMeasurements() []byte
}

// Server is the C6 job server: an independent task bridging the boundary's
// inbox to the queues the interface loop (C7) drains.
type Server struct {
	logger  *slog.Logger
	metrics *telemetry.REDMetrics
	tracer  trace.Tracer
	data    DataSource
	sink    event.Sink

	mu        sync.Mutex
	workQueue []QueuedJob

	sharedDicts atomic.Pointer[[]protocol.SharedDict]
	cancelled   atomic.Bool
	paused      atomic.Bool

	// InProcess receives the image numbers of every job popped by a Work
	// request, for the interface loop to mark InProcess (spec §4.7 step 6).
	InProcess chan []int
	// Finished receives pending ImageSetSuccess requests (spec §4.6).
	Finished chan SuccessRequest
	// ReceivedMeasurements is bounded to 10: measurement blobs are large and
	// must be drained before more are admitted (spec §5).
	ReceivedMeasurements chan MeasurementsBatch
	// Wake is notified whenever any of the above queues gains an entry, or
	// cancellation/pause changes, so the interface loop's condition-variable
	// wait (spec §4.7 step 6 "wait ... until any queue nonempty") has
	// something to select on.
	Wake chan struct{}

	// Fatal receives protocol errors that must terminate the analysis
	// (spec §4.6 "any other: log error and fail", §7 ProtocolError).
	Fatal chan error
}

// New creates a job server. Call Run to start servicing requests.
func New(logger *slog.Logger, tracer trace.Tracer, metrics *telemetry.REDMetrics, data DataSource, sink event.Sink) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:               logger,
		metrics:              metrics,
		tracer:               tracer,
		data:                 data,
		sink:                 sink,
		InProcess:            make(chan []int, 64),
		Finished:             make(chan SuccessRequest, 64),
		ReceivedMeasurements: make(chan MeasurementsBatch, 10),
		Wake:                 make(chan struct{}, 1),
		Fatal:                make(chan error, 1),
	}

	empty := make([]protocol.SharedDict, 0)
	s.sharedDicts.Store(&empty)

	return s
}

func (s *Server) wake() {
	select {
	case s.Wake <- struct{}{}:
	default:
	}
}

// EnqueueJobs appends jobs to the work queue (spec §4.7 step 4).
func (s *Server) EnqueueJobs(jobs []QueuedJob) {
	if len(jobs) == 0 {
		return
	}

	s.mu.Lock()
	s.workQueue = append(s.workQueue, jobs...)
	s.mu.Unlock()

	s.wake()
}

// InstallSharedDictionaries publishes the bootstrap result; written exactly
// once (spec §5 "shared-dictionaries vector is written exactly once").
func (s *Server) InstallSharedDictionaries(dicts []protocol.SharedDict) {
	cp := make([]protocol.SharedDict, len(dicts))
	copy(cp, dicts)
	s.sharedDicts.Store(&cp)
}

// Cancel sets the cancellation flag (spec §4.6 AnalysisCancel / embedder cancel()).
func (s *Server) Cancel() {
	s.cancelled.Store(true)
	s.wake()
}

// Cancelled reports whether cancellation has been requested.
func (s *Server) Cancelled() bool {
	return s.cancelled.Load()
}

// Pause/Resume toggle the pause flag (spec §5).
func (s *Server) Pause()  { s.paused.Store(true); s.wake() }
func (s *Server) Resume() { s.paused.Store(false); s.wake() }

// Run consumes inbox until ctx is cancelled or the analysis is cancelled. It
// also drives the pause-announce behaviour described in spec §4.6: while
// paused, post Paused once, then poll on a 1-second timeout so the server
// keeps being schedulable without serving Work; on resume, post Resumed once.
func (s *Server) Run(ctx context.Context, inbox <-chan *protocol.Request) error {
	var wasPaused bool

	ticker := time.NewTicker(pauseCheckInterval)
	defer ticker.Stop()

	poll := time.NewTicker(requestPollInterval)
	defer poll.Stop()

	for {
		if s.cancelled.Load() {
			return nil
		}

		if s.paused.Load() {
			if !wasPaused {
				s.postEvent(event.Event{Kind: event.KindPaused})
				wasPaused = true
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				continue
			case req, ok := <-inbox:
				if !ok {
					return nil
				}
				// Even while paused, requests must get exactly one reply
				// (spec §8 invariant 5); service them, but Work degrades to
				// NoWork per §5 "job server still serves Work requests when
				// not paused".
				s.dispatch(ctx, req)

				continue
			}
		}

		if wasPaused {
			s.postEvent(event.Event{Kind: event.KindResumed})
			wasPaused = false
		}

		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
		case req, ok := <-inbox:
			if !ok {
				return nil
			}

			s.dispatch(ctx, req)
		}
	}
}

func (s *Server) postEvent(e event.Event) {
	if s.sink != nil {
		s.sink(e)
	}
}

func (s *Server) dispatch(ctx context.Context, req *protocol.Request) {
	handler := func(ctx context.Context) error {
		return s.handle(ctx, req)
	}

	if s.tracer != nil {
		handler = telemetry.InstrumentRequest(s.tracer, s.metrics, s.logger, string(req.Method), handler)
	}

	if err := handler(ctx); err != nil {
		s.logger.Error("jobserver: request failed", "method", req.Method, "error", err)
	}
}

func (s *Server) handle(ctx context.Context, req *protocol.Request) error {
	if protocol.IsInteractive(req.Method) {
		s.postEvent(event.Event{Kind: event.KindForwarded, Forwarded: req})

		return nil
	}

	switch req.Method {
	case protocol.MethodPipelinePreferences:
		blob, prefs := s.data.PipelineBlob()

		return req.Reply.Reply(ctx, protocol.PipelinePreferencesReply{PipelineBlob: blob, Preferences: prefs})

	case protocol.MethodInitialMeasurements:
		return req.Reply.Reply(ctx, protocol.InitialMeasurementsReply{Buf: s.data.InitialMeasurements()})

	case protocol.MethodWork:
		return s.handleWork(ctx, req)

	case protocol.MethodImageSetSuccess:
		return s.handleImageSetSuccess(ctx, req)

	case protocol.MethodSharedDictionary:
		dicts := *s.sharedDicts.Load()

		return req.Reply.Reply(ctx, protocol.SharedDictionaryReply{Dictionaries: dicts})

	case protocol.MethodMeasurementsReport:
		return s.handleMeasurementsReport(ctx, req)

	case protocol.MethodAnalysisCancel:
		s.Cancel()

		return req.Reply.Reply(ctx, protocol.AckReply{})

	default:
		err := fmt.Errorf("jobserver: unknown method %q", req.Method)

		select {
		case s.Fatal <- err:
		default:
		}

		return req.Reply.Fail(ctx, err)
	}
}

func (s *Server) handleWork(ctx context.Context, req *protocol.Request) error {
	if s.paused.Load() {
		return req.Reply.Reply(ctx, protocol.NoWork)
	}

	s.mu.Lock()
	if len(s.workQueue) == 0 {
		s.mu.Unlock()

		return req.Reply.Reply(ctx, protocol.NoWork)
	}

	job := s.workQueue[0]
	s.workQueue = s.workQueue[1:]
	s.mu.Unlock()

	select {
	case s.InProcess <- job.ImageNumbers:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.wake()

	return req.Reply.Reply(ctx, protocol.WorkReply{
		ImageSetNumbers:     job.ImageNumbers,
		WorkerRunsPostGroup: job.WorkerRunsPostGroup,
		WantsDictionary:     job.WantsDictionary,
		HasWork:             true,
	})
}

func (s *Server) handleImageSetSuccess(ctx context.Context, req *protocol.Request) error {
	params, err := protocol.DecodeParams[protocol.ImageSetSuccessParams](req.Params)
	if err != nil {
		return req.Reply.Fail(ctx, err)
	}

	select {
	case s.Finished <- SuccessRequest{ImageSetNumber: params.ImageSetNumber, SharedDicts: params.SharedDicts, Reply: req.Reply}:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.wake()

	// Deliberately do not reply: the interface loop owns this reply so it
	// can attach the shared dictionaries on the first success (spec §4.6).
	return nil
}

func (s *Server) handleMeasurementsReport(ctx context.Context, req *protocol.Request) error {
	params, err := protocol.DecodeParams[protocol.MeasurementsReportParams](req.Params)
	if err != nil {
		return req.Reply.Fail(ctx, err)
	}

	select {
	case s.ReceivedMeasurements <- MeasurementsBatch{ImageSetNumbers: params.ImageSetNumbers, Buf: params.Buf}:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.wake()

	return req.Reply.Reply(ctx, protocol.AckReply{})
}

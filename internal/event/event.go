// Package event defines the core's event vocabulary (spec §4.7, §6 "Event
// sink"): the kinds of notifications the coordinator posts to an embedding
// host, plus forwarded interactive worker requests.
package event

import (
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/protocol"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/store"
)

// Kind enumerates the event variants the core posts (spec §6).
type Kind int

const (
	KindStarted Kind = iota
	KindPaused
	KindResumed
	KindProgress
	KindFinished
	KindDisplayPostRun
	// KindForwarded carries an interactive worker request the embedder must
	// eventually reply to (spec §4.6 dispatch table, interactive row).
	KindForwarded
)

// Event is posted synchronously to the embedder's sink; the embedder MUST
// NOT block indefinitely inside its callback (spec §6).
type Event struct {
	Kind Kind

	// Progress: a histogram of store.Status -> count over the tracked image sets.
	ProgressCounts map[store.Status]int

	// Finished.
	Store       store.Store
	WasCancelled bool

	// DisplayPostRun.
	ModuleNum int
	Data      []byte

	// Forwarded: the original request, still carrying its live reply handle.
	Forwarded *protocol.Request
}

// Sink receives posted events. Implementations must not block indefinitely.
type Sink func(Event)

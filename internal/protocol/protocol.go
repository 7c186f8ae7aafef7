// Package protocol defines the request/reply wire vocabulary exchanged
// between the coordinator and worker processes (spec §6).
package protocol

import (
	"encoding/json"
	"fmt"
)

// Method names the jsonrpc2 method string for each request variant a worker
// may send. Unknown methods are a ProtocolError (spec §7).
type Method string

const (
	MethodPipelinePreferences Method = "PipelinePreferences"
	MethodInitialMeasurements Method = "InitialMeasurements"
	MethodWork                Method = "Work"
	MethodImageSetSuccess     Method = "ImageSetSuccess"
	MethodSharedDictionary    Method = "SharedDictionary"
	MethodMeasurementsReport  Method = "MeasurementsReport"
	MethodAnalysisCancel      Method = "AnalysisCancel"
	MethodInteraction         Method = "Interaction"
	MethodDisplay             Method = "Display"
	MethodDisplayPostGroup    Method = "DisplayPostGroup"
	MethodExceptionReport     Method = "ExceptionReport"
	MethodDebugWaiting        Method = "DebugWaiting"
	MethodDebugComplete       Method = "DebugComplete"
	MethodOmeroLogin          Method = "OmeroLogin"
)

// interactiveMethods are forwarded whole to the embedder's event sink; the
// job server never replies to these itself (spec §4.6).
var interactiveMethods = map[Method]bool{
	MethodInteraction:      true,
	MethodDisplay:          true,
	MethodDisplayPostGroup: true,
	MethodExceptionReport:  true,
	MethodDebugWaiting:     true,
	MethodDebugComplete:    true,
	MethodOmeroLogin:       true,
}

// IsInteractive reports whether m must be forwarded to the embedder's event
// sink rather than handled by the job server directly.
func IsInteractive(m Method) bool {
	return interactiveMethods[m]
}

// ImageSetSuccessParams is the payload of an ImageSetSuccess request.
// SharedDicts is populated only on the run's first success, when the job
// that produced it was dispatched with wants_dictionary=true (spec §4.7).
type ImageSetSuccessParams struct {
	ImageSetNumber int          `json:"image_set_number"`
	SharedDicts    []SharedDict `json:"shared_dicts,omitempty"`
}

// MeasurementsReportParams is the payload of a MeasurementsReport request.
type MeasurementsReportParams struct {
	ImageSetNumbers []int  `json:"image_set_numbers"`
	Buf             []byte `json:"buf"`
}

// PipelinePreferencesReply answers PipelinePreferences.
type PipelinePreferencesReply struct {
	PipelineBlob []byte            `json:"pipeline_blob"`
	Preferences  map[string]string `json:"preferences"`
}

// InitialMeasurementsReply answers InitialMeasurements.
type InitialMeasurementsReply struct {
	Buf []byte `json:"buf"`
}

// WorkReply answers a Work request when a job is available. NoWork is
// signalled by replying with WorkReply{HasWork: false}.
type WorkReply struct {
	ImageSetNumbers     []int `json:"image_set_numbers"`
	WorkerRunsPostGroup bool  `json:"worker_runs_post_group"`
	WantsDictionary     bool  `json:"wants_dictionary"`
	HasWork             bool  `json:"has_work"`
}

// NoWork is the canonical "nothing to dispatch" reply.
var NoWork = WorkReply{HasWork: false}

// AckReply answers requests that need no payload beyond success, and may
// optionally carry the shared-dictionaries vector (ImageSetSuccessWithDictionary
// in the source system).
type AckReply struct {
	SharedDicts []SharedDict `json:"shared_dicts,omitempty"`
}

// SharedDictionaryReply answers a SharedDictionary request.
type SharedDictionaryReply struct {
	Dictionaries []SharedDict `json:"dictionaries"`
}

// SharedDict is one module's opaque shared-state blob (spec §3 Module).
// Modules are opaque to the core; the coordinator only ever copies this
// value, it never inspects its contents.
type SharedDict struct {
	Data []byte `json:"data"`
}

// ErrCode enumerates protocol-level failure reasons (spec §7 ProtocolError,
// TransportError). No code path sends these to a worker: the boundary answers
// every failure with jsonrpc2.CodeInternalError and the error's text.
type ErrCode int

const (
	// ErrCodeUnknownMethod names a request of an unrecognised type.
	ErrCodeUnknownMethod ErrCode = iota + 1
	// ErrCodeCancelled names the failure of a request whose handle was never
	// used before the analysis was cancelled (spec §4.1).
	ErrCodeCancelled
)

// DecodeParams unmarshals a request's raw JSON params into T. An empty
// params slice decodes to the zero value rather than erroring, since several
// request variants (Work, SharedDictionary, ...) carry none.
func DecodeParams[T any](raw []byte) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}

	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("protocol: decode params: %w", err)
	}

	return v, nil
}

package commands

import (
	"context"
	"encoding/json"
	"fmt"
)

// FixturePipeline is a minimal stand-in for a real pipeline (spec §1
// "pipeline module implementations ... out of scope"): enough of a Blob
// and module count to drive an end-to-end demo run against cmd/fakeworker.
type FixturePipeline struct {
	Modules     []string
	Aggregation bool
	Preferences map[string]string
}

// RequiresAggregation implements planner.Aggregator.
func (p *FixturePipeline) RequiresAggregation() bool {
	return p.Aggregation
}

// ModuleCount implements coordinator.Pipeline.
func (p *FixturePipeline) ModuleCount() int {
	return len(p.Modules)
}

// Blob implements coordinator.Pipeline; the serialization format is opaque
// to the core (spec §1), so any self-describing encoding suffices here.
func (p *FixturePipeline) Blob() ([]byte, map[string]string) {
	blob, err := json.Marshal(p.Modules)
	if err != nil {
		blob = []byte("[]")
	}

	return blob, p.Preferences
}

// PostGroup implements coordinator.Pipeline.
func (p *FixturePipeline) PostGroup(_ context.Context, _ int) error {
	return nil
}

// PostRun implements coordinator.Pipeline.
func (p *FixturePipeline) PostRun(_ context.Context, display func(moduleNum int, data []byte)) error {
	for i, name := range p.Modules {
		display(i, []byte(fmt.Sprintf("%s: done", name)))
	}

	return nil
}

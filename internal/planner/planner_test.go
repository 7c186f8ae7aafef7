package planner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/planner"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/store"
)

type fakeAggregator struct{ requires bool }

func (f fakeAggregator) RequiresAggregation() bool { return f.requires }

func TestPlanUngroupedFreshStore(t *testing.T) {
	s := store.NewMemoryStore([]int{1, 2, 3}, false)

	plan := planner.Plan(s, planner.Window{}, false, fakeAggregator{})

	assert.Equal(t, []int{1, 2, 3}, plan.ImageSetsToProcess)
	require.Len(t, plan.Jobs, 3)

	for _, j := range plan.Jobs {
		assert.Len(t, j.ImageNumbers, 1)
		assert.False(t, j.WorkerRunsPostGroup)
	}

	assert.False(t, plan.WorkerRunsPostGroup)
}

func TestPlanSkipsDoneImageSets(t *testing.T) {
	s := store.NewMemoryStore([]int{1, 2}, false)
	s.SetStatus(1, store.StatusDone)

	plan := planner.Plan(s, planner.Window{}, false, fakeAggregator{})

	assert.Equal(t, []int{2}, plan.ImageSetsToProcess)
}

func TestPlanOverwriteReprocessesDone(t *testing.T) {
	s := store.NewMemoryStore([]int{1, 2}, false)
	s.SetStatus(1, store.StatusDone)
	s.SetStatus(2, store.StatusDone)

	plan := planner.Plan(s, planner.Window{}, true, fakeAggregator{})

	assert.Equal(t, []int{1, 2}, plan.ImageSetsToProcess)
}

func TestPlanAggregationForcesOverwrite(t *testing.T) {
	s := store.NewMemoryStore([]int{1}, false)
	s.SetStatus(1, store.StatusDone)

	plan := planner.Plan(s, planner.Window{}, false, fakeAggregator{requires: true})

	assert.Equal(t, []int{1}, plan.ImageSetsToProcess)
	assert.True(t, plan.WorkerRunsPostGroup)
	require.Len(t, plan.Jobs, 1)
	assert.True(t, plan.Jobs[0].WorkerRunsPostGroup)
}

func TestPlanWindowRestrictsSelection(t *testing.T) {
	s := store.NewMemoryStore([]int{1, 2, 3, 4, 5}, false)

	plan := planner.Plan(s, planner.Window{Start: 2, End: 4}, false, fakeAggregator{})

	assert.Equal(t, []int{2, 3, 4}, plan.ImageSetsToProcess)
}

func TestPlanGroupedPartitionsByGroupOrderedByIndex(t *testing.T) {
	s := store.NewMemoryStore([]int{1, 2, 3, 4}, true)
	// group 1: images 2 (index 1), 1 (index 0); group 2: images 3, 4.
	s.Set(store.EntityImage, store.FeatureGroupNumber, 1, store.Value{Scalar: 1})
	s.Set(store.EntityImage, store.FeatureGroupIndex, 1, store.Value{Scalar: 0})
	s.Set(store.EntityImage, store.FeatureGroupNumber, 2, store.Value{Scalar: 1})
	s.Set(store.EntityImage, store.FeatureGroupIndex, 2, store.Value{Scalar: 1})
	s.Set(store.EntityImage, store.FeatureGroupNumber, 3, store.Value{Scalar: 2})
	s.Set(store.EntityImage, store.FeatureGroupIndex, 3, store.Value{Scalar: 0})
	s.Set(store.EntityImage, store.FeatureGroupNumber, 4, store.Value{Scalar: 2})
	s.Set(store.EntityImage, store.FeatureGroupIndex, 4, store.Value{Scalar: 1})

	plan := planner.Plan(s, planner.Window{}, false, fakeAggregator{})

	require.Len(t, plan.Jobs, 2)
	assert.Equal(t, []int{1, 2}, plan.Jobs[0].ImageNumbers)
	assert.Equal(t, []int{3, 4}, plan.Jobs[1].ImageNumbers)

	for _, j := range plan.Jobs {
		assert.True(t, j.WorkerRunsPostGroup)
	}
}

func TestPlanGroupNotReprocessedUnlessIncomplete(t *testing.T) {
	s := store.NewMemoryStore([]int{1, 2}, true)
	s.Set(store.EntityImage, store.FeatureGroupNumber, 1, store.Value{Scalar: 1})
	s.Set(store.EntityImage, store.FeatureGroupNumber, 2, store.Value{Scalar: 1})
	s.SetStatus(1, store.StatusDone)
	s.SetStatus(2, store.StatusDone)

	plan := planner.Plan(s, planner.Window{}, false, fakeAggregator{})

	assert.Empty(t, plan.ImageSetsToProcess)
}

func TestPlanGroupReprocessedWhenAnyMemberIncomplete(t *testing.T) {
	s := store.NewMemoryStore([]int{1, 2}, true)
	s.Set(store.EntityImage, store.FeatureGroupNumber, 1, store.Value{Scalar: 1})
	s.Set(store.EntityImage, store.FeatureGroupNumber, 2, store.Value{Scalar: 1})
	s.SetStatus(1, store.StatusDone)
	s.SetStatus(2, store.StatusInProcess)

	plan := planner.Plan(s, planner.Window{}, false, fakeAggregator{})

	assert.ElementsMatch(t, []int{1, 2}, plan.ImageSetsToProcess)
}

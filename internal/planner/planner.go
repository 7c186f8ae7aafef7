// Package planner computes the set of image sets to (re)process and
// partitions them into jobs (spec §4.5, C5).
package planner

import (
	"sort"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/store"
)

// Aggregator is the subset of Pipeline capabilities the planner needs: a
// pipeline requiring aggregation forces overwrite=true (spec §4.5 step 2).
// The pipeline's full contract (module list, serialization) is out of scope
// per spec §1; this is the one capability the core depends on.
type Aggregator interface {
	RequiresAggregation() bool
}

// Window restricts planning to [Start, End] image numbers. A zero End means
// "through the last image number in the manifest" (spec §4.5 step 1).
type Window struct {
	Start int
	End   int // 0 means unset.
}

// Job is an ordered, nonempty sequence of image numbers dispatched
// atomically (spec §3 Job).
type Job struct {
	ImageNumbers        []int
	WorkerRunsPostGroup bool
}

// Plan is the result of planning: the jobs to dispatch and the full set of
// image sets being tracked for completion (spec §4.7 step 2).
type Plan struct {
	Jobs               []Job
	ImageSetsToProcess []int
	WorkerRunsPostGroup bool
}

// Plan implements spec §4.5 verbatim. The caller is responsible for ensuring
// a non-nil window does not split a group (spec §4.5 correctness note,
// §9 Open Question "Window vs grouping" — undefined behaviour if violated,
// the planner does not validate it).
func Plan(s store.Store, window Window, overwrite bool, pipeline Aggregator) Plan {
	allImageNumbers := s.ImageNumbers()

	end := window.End
	if end == 0 && len(allImageNumbers) > 0 {
		end = allImageNumbers[len(allImageNumbers)-1]
	}

	start := window.Start
	if start == 0 {
		start = 1
	}

	selected := make([]int, 0, len(allImageNumbers))

	for _, n := range allImageNumbers {
		if n >= start && n <= end {
			selected = append(selected, n)
		}
	}

	if pipeline != nil && pipeline.RequiresAggregation() {
		overwrite = true
	}

	hasGroups := s.HasGroups()

	var groupDone map[int]bool
	if hasGroups && !overwrite {
		groupDone = computeGroupCompletion(s, allImageNumbers)
	}

	toProcess := make([]int, 0, len(selected))

	for _, n := range selected {
		if needsReset(s, n, overwrite, hasGroups, groupDone) {
			s.Set(store.EntityImage, store.FeatureProcessingStatus, n, store.Value{Scalar: store.StatusUnprocessed})
			toProcess = append(toProcess, n)
		}
	}

	requiresAggregation := pipeline != nil && pipeline.RequiresAggregation()
	workerRunsPostGroup := hasGroups || requiresAggregation

	var jobs []Job
	if workerRunsPostGroup {
		jobs = partitionByGroup(s, toProcess)
	} else {
		jobs = make([]Job, len(toProcess))
		for i, n := range toProcess {
			jobs[i] = Job{ImageNumbers: []int{n}, WorkerRunsPostGroup: false}
		}
	}

	return Plan{
		Jobs:                jobs,
		ImageSetsToProcess:  toProcess,
		WorkerRunsPostGroup: workerRunsPostGroup,
	}
}

// needsReset implements spec §4.5 step 4's decision table.
func needsReset(s store.Store, imageNumber int, overwrite, hasGroups bool, groupDone map[int]bool) bool {
	if overwrite {
		return true
	}

	if !s.HasMeasurement(store.EntityImage, store.FeatureProcessingStatus, imageNumber) {
		return true
	}

	v, _ := s.Get(store.EntityImage, store.FeatureProcessingStatus, imageNumber)
	if status, _ := v.Scalar.(store.Status); status != store.StatusDone {
		return true
	}

	if hasGroups {
		groupNumber := groupNumberOf(s, imageNumber)

		return !groupDone[groupNumber]
	}

	return false
}

// computeGroupCompletion marks a group Done iff every member has status
// Done, otherwise Unprocessed (spec §4.5 step 3).
func computeGroupCompletion(s store.Store, imageNumbers []int) map[int]bool {
	members := make(map[int][]int)

	for _, n := range imageNumbers {
		g := groupNumberOf(s, n)
		members[g] = append(members[g], n)
	}

	done := make(map[int]bool, len(members))

	for g, ns := range members {
		allDone := true

		for _, n := range ns {
			v, ok := s.Get(store.EntityImage, store.FeatureProcessingStatus, n)
			if !ok {
				allDone = false

				break
			}

			if status, _ := v.Scalar.(store.Status); status != store.StatusDone {
				allDone = false

				break
			}
		}

		done[g] = allDone
	}

	return done
}

func groupNumberOf(s store.Store, imageNumber int) int {
	v, ok := s.Get(store.EntityImage, store.FeatureGroupNumber, imageNumber)
	if !ok {
		return 0
	}

	n, _ := v.Scalar.(int)

	return n
}

func groupIndexOf(s store.Store, imageNumber int) int {
	v, ok := s.Get(store.EntityImage, store.FeatureGroupIndex, imageNumber)
	if !ok {
		return 0
	}

	n, _ := v.Scalar.(int)

	return n
}

// partitionByGroup builds one job per group, ordered by group index within
// the group, groups ordered by group number (spec §4.5 step 5).
func partitionByGroup(s store.Store, imageNumbers []int) []Job {
	type member struct {
		groupIndex  int
		imageNumber int
	}

	groups := make(map[int][]member)

	for _, n := range imageNumbers {
		g := groupNumberOf(s, n)
		groups[g] = append(groups[g], member{groupIndex: groupIndexOf(s, n), imageNumber: n})
	}

	groupNumbers := make([]int, 0, len(groups))
	for g := range groups {
		groupNumbers = append(groupNumbers, g)
	}

	sort.Ints(groupNumbers)

	jobs := make([]Job, 0, len(groupNumbers))

	for _, g := range groupNumbers {
		members := groups[g]
		sort.Slice(members, func(i, j int) bool { return members[i].groupIndex < members[j].groupIndex })

		ns := make([]int, len(members))
		for i, m := range members {
			ns[i] = m.imageNumber
		}

		jobs = append(jobs, Job{ImageNumbers: ns, WorkerRunsPostGroup: true})
	}

	return jobs
}

package store

// MergeReceivedMeasurements copies measurements returned by a worker (recd)
// into the main store, following the merge rules of spec §4.8:
//
//   - "Experiment" is skipped (never overwritten by worker-returned data).
//   - "Image" features are written only where the remote value differs from
//     the local value, to minimise churn.
//   - every other entity is written unconditionally.
//   - relationships are merged additively.
//   - every image number in the batch is finally marked Done.
//
// This is invoked by the interface loop (C7) while draining
// received_measurements_queue (spec §4.7 step 6); it is not a Store method
// because it orchestrates two stores at once.
func MergeReceivedMeasurements(recd, main Store, imageNumbers []int) {
	main.CopyRelationships(recd)

	for _, entity := range recd.ObjectNames() {
		switch entity {
		case EntityExperiment:
			continue
		case EntityImage:
			mergeImageFeatures(recd, main, imageNumbers)
		default:
			for _, feature := range recd.FeatureNames(entity) {
				values := recd.GetMany(entity, feature, imageNumbers)
				main.SetMany(entity, feature, values)
			}
		}
	}

	for _, n := range imageNumbers {
		main.Set(EntityImage, FeatureProcessingStatus, n, Value{Scalar: StatusDone})
	}
}

// mergeImageFeatures writes only the subset of image numbers whose remote
// value differs from the local one, per feature (spec §4.8 Invariant 7).
func mergeImageFeatures(recd, main Store, imageNumbers []int) {
	for _, feature := range recd.FeatureNames(EntityImage) {
		if feature == FeatureProcessingStatus {
			// Status is driven exclusively by the interface loop's state
			// machine (spec §3); never let a worker's echoed status win.
			continue
		}

		if !main.HasFeature(EntityImage, feature) {
			values := recd.GetMany(EntityImage, feature, imageNumbers)
			main.SetMany(EntityImage, feature, values)

			continue
		}

		local := main.GetMany(EntityImage, feature, imageNumbers)
		remote := recd.GetMany(EntityImage, feature, imageNumbers)

		changed := make(map[int]Value)

		for _, n := range imageNumbers {
			rv, ok := remote[n]
			if !ok {
				continue
			}

			lv, ok := local[n]
			if !ok || !lv.Equal(rv) {
				changed[n] = rv
			}
		}

		if len(changed) > 0 {
			main.SetMany(EntityImage, feature, changed)
		}
	}
}

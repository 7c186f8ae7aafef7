package commands

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/store"
)

// ManifestEntry is one image set row in a YAML manifest fixture.
type ManifestEntry struct {
	ImageNumber int `yaml:"image_number"`
	GroupNumber int `yaml:"group_number,omitempty"`
	GroupIndex  int `yaml:"group_index,omitempty"`
}

// Manifest is the top-level YAML document shape for a demo run.
type Manifest struct {
	Entries []ManifestEntry `yaml:"image_sets"`
}

// LoadManifest reads a YAML manifest file (spec §3 "Image set").
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}

	return m, nil
}

// BuildStore seeds a MemoryStore from the manifest (spec §4.3, reference
// implementation only; the real store's physical format is out of scope).
func (m Manifest) BuildStore() *store.MemoryStore {
	hasGroups := false

	imageNumbers := make([]int, 0, len(m.Entries))
	for _, e := range m.Entries {
		imageNumbers = append(imageNumbers, e.ImageNumber)

		if e.GroupNumber != 0 {
			hasGroups = true
		}
	}

	sort.Ints(imageNumbers)

	s := store.NewMemoryStore(imageNumbers, hasGroups)

	for _, e := range m.Entries {
		s.SetStatus(e.ImageNumber, store.StatusUnprocessed)

		if hasGroups {
			s.Set(store.EntityImage, store.FeatureGroupNumber, e.ImageNumber, store.Value{Scalar: e.GroupNumber})
			s.Set(store.EntityImage, store.FeatureGroupIndex, e.ImageNumber, store.Value{Scalar: e.GroupIndex})
		}
	}

	return s
}

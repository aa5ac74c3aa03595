package thresholds

import (
	"context"
	"fmt"
	"os"

	"github.com/dukex/evalflow/pkg/models"
	"gopkg.in/yaml.v3"
)

type fileDocument struct {
	Applications map[string]map[string]float64 `yaml:"applications"`
}

// FileStore serves threshold sets read once from a YAML document:
//
//	applications:
//	  rag-app:
//	    faithfulness: 0.8
type FileStore struct {
	applications map[string]map[string]float64
}

func NewFileStore(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read thresholds file: %w", err)
	}

	return ParseFileStore(data)
}

func ParseFileStore(data []byte) (*FileStore, error) {
	var doc fileDocument

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse thresholds file: %w", err)
	}

	if doc.Applications == nil {
		doc.Applications = map[string]map[string]float64{}
	}

	return &FileStore{applications: doc.Applications}, nil
}

func (s *FileStore) Get(_ context.Context, application string) (models.ThresholdSet, error) {
	set, ok := s.applications[application]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThresholdsNotFound, application)
	}

	copied := make(models.ThresholdSet, len(set))
	for metric, floor := range set {
		copied[metric] = floor
	}

	return copied, nil
}

// Package output writes the curated corpus to disk: one JSON file per
// selected bundle plus the membership Group, with the validation directory
// prepared beside it.
package output

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/fhirtestdata/curator/models/fhir"
)

// Manager owns the run's output directories.
type Manager struct {
	dataDir       string
	validationDir string
	log           zerolog.Logger
}

// NewManager creates the data and validation directories under baseDir and
// clears out the artifacts of any previous run.
func NewManager(baseDir string, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		dataDir:       filepath.Join(baseDir, "data"),
		validationDir: filepath.Join(baseDir, "validation"),
		log:           log.With().Str("service", "output").Logger(),
	}
	for dir, pattern := range map[string]string{
		m.dataDir:       "*.json",
		m.validationDir: "*.txt",
	} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}
		stale, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to list stale output in %s: %w", dir, err)
		}
		for _, path := range stale {
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("failed to clear stale output %s: %w", path, err)
			}
		}
	}
	return m, nil
}

// WriteSelections writes each curated bundle to <patient id>.json and the
// Group to <group id>.json. It returns the written file paths.
func (m *Manager) WriteSelections(bundles []*fhir.Bundle, group fhir.Resource) ([]string, error) {
	var written []string
	for _, b := range bundles {
		if len(b.Entry) == 0 {
			continue
		}
		data, err := b.Marshal()
		if err != nil {
			return written, fmt.Errorf("failed to serialize bundle: %w", err)
		}
		path, err := m.writeData(b.Entry[0].Resource.ID(), data)
		if err != nil {
			return written, err
		}
		written = append(written, path)
	}
	if group != nil {
		data, err := group.MarshalIndent()
		if err != nil {
			return written, fmt.Errorf("failed to serialize group: %w", err)
		}
		path, err := m.writeData(group.ID(), data)
		if err != nil {
			return written, err
		}
		written = append(written, path)
	}
	m.log.Info().Int("files", len(written)).Str("directory", m.dataDir).
		Msg("wrote curated selections")
	return written, nil
}

// WriteBlankedName writes the name-removed bundle, replacing the blank name
// with primitive extensions that carry the data-absent-reason on the family
// and given elements.
func (m *Manager) WriteBlankedName(b *fhir.Bundle) (string, error) {
	patient := b.Patient()
	if patient == nil {
		return "", fmt.Errorf("blanked bundle has no patient")
	}
	patient["name"] = []any{
		map[string]any{
			"_family": map[string]any{
				"extension": fhir.DataAbsentExtension("unknown"),
			},
			"_given": []any{
				map[string]any{
					"extension": fhir.DataAbsentExtension("unknown"),
				},
			},
		},
	}
	data, err := b.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to serialize blanked bundle: %w", err)
	}
	path, err := m.writeData(patient.ID(), data)
	if err != nil {
		return "", err
	}
	m.log.Info().Str("file", path).Msg("wrote name-removed bundle")
	return path, nil
}

func (m *Manager) writeData(id string, data []byte) (string, error) {
	path := filepath.Join(m.dataDir, id+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// DataPath returns the output file path for a document id.
func (m *Manager) DataPath(id string) string {
	return filepath.Join(m.dataDir, id+".json")
}

// ValidationPath returns the validation log path for a document id.
func (m *Manager) ValidationPath(id string) string {
	return filepath.Join(m.validationDir, id+".txt")
}

// DataDir returns the directory holding the curated JSON documents.
func (m *Manager) DataDir() string {
	return m.dataDir
}

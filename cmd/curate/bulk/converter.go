// Package bulk flattens transaction bundles into the Bulk Data NDJSON
// layout, one file per resource type, with urn:uuid locators rewritten to
// relative Type/id references.
package bulk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fhirtestdata/curator/models/fhir"
)

// Converter appends resources to per-type NDJSON files under its output
// directory. Close flushes and closes every open file.
type Converter struct {
	dir   string
	files map[string]*os.File
	log   zerolog.Logger
}

// NewConverter creates the output directory, removing NDJSON files left over
// from a previous run.
func NewConverter(dir string, log zerolog.Logger) (*Converter, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create bulk output directory %s: %w", dir, err)
	}
	stale, err := filepath.Glob(filepath.Join(dir, "*.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale bulk output: %w", err)
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to clear stale bulk output %s: %w", path, err)
		}
	}
	return &Converter{
		dir:   dir,
		files: map[string]*os.File{},
		log:   log.With().Str("service", "bulk").Logger(),
	}, nil
}

// WriteBundle appends every entry of the bundle to its type's NDJSON file.
// References between entries are rewritten from the transaction's urn:uuid
// locators to Type/id form.
func (c *Converter) WriteBundle(b *fhir.Bundle) error {
	replacements := make([]string, 0, 2*len(b.Entry))
	for _, entry := range b.Entry {
		if entry.FullURL == "" {
			continue
		}
		replacements = append(replacements,
			entry.FullURL, entry.Resource.Type()+"/"+entry.Resource.ID())
	}
	replacer := strings.NewReplacer(replacements...)

	for _, entry := range b.Entry {
		data, err := entry.Resource.MarshalCompact()
		if err != nil {
			return fmt.Errorf("failed to serialize %s/%s: %w",
				entry.Resource.Type(), entry.Resource.ID(), err)
		}
		if err := c.writeLine(entry.Resource.Type(), replacer.Replace(string(data))); err != nil {
			return err
		}
	}
	return nil
}

// WriteResource appends a standalone resource, such as the membership Group.
func (c *Converter) WriteResource(resource fhir.Resource) error {
	data, err := resource.MarshalCompact()
	if err != nil {
		return fmt.Errorf("failed to serialize %s/%s: %w", resource.Type(), resource.ID(), err)
	}
	return c.writeLine(resource.Type(), string(data))
}

func (c *Converter) writeLine(resourceType, line string) error {
	file, err := c.openFile(resourceType)
	if err != nil {
		return err
	}
	if _, err := file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write %s line: %w", resourceType, err)
	}
	return nil
}

func (c *Converter) openFile(resourceType string) (*os.File, error) {
	if file, ok := c.files[resourceType]; ok {
		return file, nil
	}
	path := filepath.Join(c.dir, resourceType+".ndjson")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	c.files[resourceType] = file
	return file, nil
}

// Close closes every NDJSON file the converter opened.
func (c *Converter) Close() error {
	var firstErr error
	for resourceType, file := range c.files {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s output: %w", resourceType, err)
		}
	}
	c.log.Info().Int("files", len(c.files)).Str("directory", c.dir).
		Msg("wrote bulk data export")
	c.files = map[string]*os.File{}
	return firstErr
}

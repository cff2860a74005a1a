// Command curate selects a small, fully conformant subset out of a
// generated synthetic patient population, rewrites it to exhibit every
// must-support variation the conformance profiles call for, and exports the
// result as individual bundles and as Bulk Data NDJSON.
package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirtestdata/curator/cmd/curate/bulk"
	"github.com/fhirtestdata/curator/cmd/curate/config"
	"github.com/fhirtestdata/curator/cmd/curate/constraints"
	"github.com/fhirtestdata/curator/cmd/curate/datasource"
	"github.com/fhirtestdata/curator/cmd/curate/filter"
	"github.com/fhirtestdata/curator/cmd/curate/output"
	"github.com/fhirtestdata/curator/cmd/curate/pipeline"
	"github.com/fhirtestdata/curator/cmd/curate/profiles"
	"github.com/fhirtestdata/curator/cmd/curate/selection"
	"github.com/fhirtestdata/curator/cmd/curate/validation"
	"github.com/fhirtestdata/curator/models/fhir"
)

func main() {
	start := time.Now()
	log := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) { w.Out = os.Stdout })).
		With().Timestamp().Caller().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	version, err := profiles.FromName(cfg.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Unknown conformance version")
	}
	preset := constraints.PresetStandard
	if cfg.Preset == "reduced" {
		preset = constraints.PresetReduced
	}
	log.Info().Str("version", cfg.Version).Str("preset", cfg.Preset).Int64("seed", cfg.Seed).
		Msg("Starting curation run")

	ctx := context.Background()

	if cfg.GeneratorCommand != "" {
		if err := datasource.RunGenerator(ctx, cfg.GeneratorCommand, log); err != nil {
			log.Fatal().Err(err).Msg("Failed to generate the source population")
		}
	}

	var directorySource *datasource.DirectorySource
	var source datasource.Source
	if cfg.DatabaseDSN != "" {
		db, err := datasource.Open(cfg.DatabaseDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to the staging database")
		}
		defer db.Close()
		source = datasource.NewSQLSource(db, log)
	} else {
		directorySource = datasource.NewDirectorySource(cfg.SourceDir, log)
		source = directorySource
	}
	pool, err := source.Bundles(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load candidate bundles")
	}
	if len(pool) == 0 {
		log.Fatal().Msg("No candidate bundles to curate")
	}

	evaluator := constraints.NewEvaluator(constraints.Table(version, preset))
	required := constraints.RequiredProfiles(version, preset)
	engine := selection.NewEngine(log, evaluator, required)
	result := engine.Select(pool)
	log.Info().Int("selected", len(result.Selected)).Int("pool", len(pool)).
		Msg("Selected curated subset")
	reportConformance(log, evaluator, required, result.Selected, "selected")

	pipe := pipeline.NewService(log, version, preset, cfg.Seed)
	pipeOut, err := pipe.Run(result.Selected)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to rewrite selected bundles")
	}

	reportConformance(log, evaluator, required, result.Selected, "mutated")
	filter.NewService(log).Run(result.Selected)
	reportConformance(log, evaluator, required, result.Selected, "final")

	// the name-removed bundle is written separately with its primitive
	// extension patch
	writeSet := result.Selected
	if pipeOut.BlankedName != nil {
		writeSet = withoutBundle(writeSet, pipeOut.BlankedName)
	}

	manager, err := output.NewManager(cfg.OutputDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare output directories")
	}
	written, err := manager.WriteSelections(writeSet, pipeOut.Group)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to write curated selections")
	}
	if pipeOut.BlankedName != nil {
		path, err := manager.WriteBlankedName(pipeOut.BlankedName)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to write name-removed bundle")
		}
		written = append(written, path)
	}

	// the generator's own Group documents belong to the whole population,
	// so they travel with the "all" export
	var allGroups []fhir.Resource
	if directorySource != nil {
		allGroups = directorySource.Groups()
	}
	if err := exportBulk(cfg, preset, writeSet, result, pipeOut, allGroups, version, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to export bulk data")
	}

	if cfg.ValidatorURL == "" {
		log.Info().Msg("No validator configured, skipping validation")
	} else {
		client := validation.NewClient(cfg.ValidatorURL, version.Relabel, log)
		for _, path := range written {
			id := strings.TrimSuffix(filepath.Base(path), ".json")
			if err := client.ValidateFile(ctx, path, manager.ValidationPath(id)); err != nil {
				log.Error().Err(err).Str("document", id).Msg("Validation failed")
			}
		}
	}

	log.Info().Dur("elapsed", time.Since(start)).Msg("Curation run complete")
}

// exportBulk writes the curated subset under bulk/selected and, outside
// reduced mode, the whole population under bulk/all.
func exportBulk(cfg *config.Config, preset constraints.Preset, writeSet []*fhir.Bundle,
	result selection.Result, pipeOut *pipeline.Output, allGroups []fhir.Resource,
	version *profiles.Version, log zerolog.Logger) error {

	selected, err := bulk.NewConverter(filepath.Join(cfg.OutputDir, "bulk", "selected"), log)
	if err != nil {
		return err
	}
	for _, b := range writeSet {
		if err := selected.WriteBundle(b); err != nil {
			return err
		}
	}
	if pipeOut.BlankedName != nil {
		if err := selected.WriteBundle(pipeOut.BlankedName); err != nil {
			return err
		}
	}
	if err := selected.WriteResource(pipeOut.Group); err != nil {
		return err
	}
	if err := selected.Close(); err != nil {
		return err
	}

	if preset != constraints.PresetReduced {
		all, err := bulk.NewConverter(filepath.Join(cfg.OutputDir, "bulk", "all"), log)
		if err != nil {
			return err
		}
		for _, b := range writeSet {
			if err := all.WriteBundle(b); err != nil {
				return err
			}
		}
		if pipeOut.BlankedName != nil {
			if err := all.WriteBundle(pipeOut.BlankedName); err != nil {
				return err
			}
		}
		for _, b := range result.Remaining {
			if err := all.WriteBundle(b); err != nil {
				return err
			}
		}
		if err := all.WriteResource(pipeOut.Group); err != nil {
			return err
		}
		for _, group := range allGroups {
			if err := all.WriteResource(group); err != nil {
				return err
			}
		}
		if err := all.Close(); err != nil {
			return err
		}
	}

	// unselected bundles still carry resource types the release has no
	// profile for; their NDJSON files go with them
	for _, resourceType := range version.OutOfScopeTypes {
		stale, err := filepath.Glob(filepath.Join(cfg.OutputDir, "bulk", "*", resourceType+".ndjson"))
		if err != nil {
			return err
		}
		for _, path := range stale {
			if err := os.Remove(path); err != nil {
				return err
			}
		}
	}
	return nil
}

// reportConformance logs which constraints and profiles the curated subset
// still leaves unmet at a checkpoint.
func reportConformance(log zerolog.Logger, evaluator *constraints.Evaluator,
	required []string, bundles []*fhir.Bundle, stage string) {

	violations := evaluator.Violations(bundles, nil)
	if len(violations) == 0 {
		log.Info().Str("stage", stage).Msg("All constraints satisfied")
	} else {
		log.Error().Str("stage", stage).Strs("constraints", violations).
			Msg("Constraints remain violated")
	}

	present := map[string]bool{}
	for _, profile := range constraints.ProfilesPresent(bundles) {
		present[profile] = true
	}
	var missing []string
	for _, profile := range required {
		if !present[profile] {
			missing = append(missing, profile)
		}
	}
	if len(missing) == 0 {
		log.Info().Str("stage", stage).Msg("All profiles present")
	} else {
		log.Error().Str("stage", stage).Strs("profiles", missing).
			Msg("Profiles remain missing")
	}
}

func withoutBundle(bundles []*fhir.Bundle, doomed *fhir.Bundle) []*fhir.Bundle {
	kept := make([]*fhir.Bundle, 0, len(bundles))
	for _, b := range bundles {
		if b != doomed {
			kept = append(kept, b)
		}
	}
	return kept
}

// Package datasource loads generated patient corpora, either from the
// generator's output directory or from a database the bundles were staged
// into.
package datasource

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/fhirtestdata/curator/models/fhir"
)

// Source yields the candidate bundles a curation run starts from.
type Source interface {
	Bundles(ctx context.Context) ([]*fhir.Bundle, error)
}

// DirectorySource reads every JSON document under the generator's FHIR
// output directory.
type DirectorySource struct {
	dir    string
	log    zerolog.Logger
	groups []fhir.Resource
}

func NewDirectorySource(dir string, log zerolog.Logger) *DirectorySource {
	return &DirectorySource{
		dir: dir,
		log: log.With().Str("service", "datasource").Logger(),
	}
}

// Bundles parses each *.json file in the directory, in name order so runs
// are reproducible. Standalone resources such as the generator's own Group
// documents are skipped.
func (s *DirectorySource) Bundles(ctx context.Context) ([]*fhir.Bundle, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read source directory %s: %w", s.dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var bundles []*fhir.Bundle
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		bundle, resource, err := fhir.ParseDocument(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if bundle == nil {
			if resource.Type() == "Group" {
				s.groups = append(s.groups, resource)
				s.log.Debug().Str("file", name).Msg("captured generator group document")
			} else {
				s.log.Debug().Str("file", name).Str("resourceType", resource.Type()).
					Msg("skipping standalone resource document")
			}
			continue
		}
		bundle.SourceFile = path
		bundles = append(bundles, bundle)
	}
	s.log.Info().Int("bundles", len(bundles)).Str("directory", s.dir).
		Msg("loaded generated bundles")
	return bundles, nil
}

// Groups returns the standalone Group documents encountered while loading,
// in the order they were read.
func (s *DirectorySource) Groups() []fhir.Resource {
	return s.groups
}

// SQLSource reads staged bundle documents out of a Postgres table.
type SQLSource struct {
	db    *sqlx.DB
	query string
	log   zerolog.Logger
}

// defaultBundleQuery expects a staging table with one JSON document per row.
const defaultBundleQuery = `SELECT document FROM patient_bundles ORDER BY id`

func NewSQLSource(db *sqlx.DB, log zerolog.Logger) *SQLSource {
	return &SQLSource{
		db:    db,
		query: defaultBundleQuery,
		log:   log.With().Str("service", "datasource").Logger(),
	}
}

// WithQuery overrides the staging query.
func (s *SQLSource) WithQuery(query string) *SQLSource {
	s.query = query
	return s
}

// Bundles runs the staging query and parses each returned document.
func (s *SQLSource) Bundles(ctx context.Context) ([]*fhir.Bundle, error) {
	rows, err := s.db.QueryxContext(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("failed to query staged bundles: %w", err)
	}
	defer rows.Close()

	var bundles []*fhir.Bundle
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan staged bundle: %w", err)
		}
		bundle, _, err := fhir.ParseDocument(document)
		if err != nil {
			return nil, fmt.Errorf("failed to parse staged bundle: %w", err)
		}
		if bundle != nil {
			bundles = append(bundles, bundle)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate staged bundles: %w", err)
	}
	s.log.Info().Int("bundles", len(bundles)).Msg("loaded staged bundles")
	return bundles, nil
}

// Open connects to the staging database.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to staging database: %w", err)
	}
	return db, nil
}

// RunGenerator spawns the external population generator and waits for it to
// finish. The command string is split on whitespace, so arguments must not
// contain spaces.
func RunGenerator(ctx context.Context, command string, log zerolog.Logger) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("empty generator command")
	}
	log.Info().Str("command", command).Msg("running population generator")
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("generator command failed: %w", err)
	}
	return nil
}

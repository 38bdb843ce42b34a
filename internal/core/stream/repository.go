package stream

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefinitionRepository loads stream table definitions.
type DefinitionRepository interface {
	// Get returns the definition with the given name, or an error if not found.
	Get(ctx context.Context, name string) (*StreamTableDefinition, error)

	// GetDefinitions returns all loaded definitions.
	GetDefinitions() []StreamTableDefinition
}

// rawDefinition is the on-disk YAML shape of one stream table.
type rawDefinition struct {
	Name                 string `yaml:"name"`
	Source               string `yaml:"source"`
	Query                string `yaml:"query"`
	CDCMode              string `yaml:"cdc_mode"`
	TargetRel            string `yaml:"target"`
	TickInterval         string `yaml:"tick_interval"`
	ReconcileInterval    string `yaml:"reconcile_interval"`
	CardinalityThreshold int    `yaml:"cardinality_threshold"`
}

// FileSystemDefinitionRepository loads stream table definitions from *.yaml
// files in a directory. One definition per file, loaded once at startup and
// fingerprinted so query changes are detectable across restarts.
type FileSystemDefinitionRepository struct {
	dir  string
	defs map[string]StreamTableDefinition // keyed by Name
}

// NewFileSystemDefinitionRepository eagerly loads all definitions from dir.
// Returns an error if any file is malformed or violates an invariant.
func NewFileSystemDefinitionRepository(dir string) (*FileSystemDefinitionRepository, error) {
	repo := &FileSystemDefinitionRepository{
		dir:  dir,
		defs: make(map[string]StreamTableDefinition),
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileSystemDefinitionRepository) load() error {
	info, err := os.Stat(r.dir)
	if os.IsNotExist(err) {
		return nil // no definitions directory, valid (zero stream tables)
	}
	if err != nil {
		return fmt.Errorf("stream definition dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("stream definition path %q is not a directory", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading stream definition dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading definition file %s: %w", path, err)
		}

		var raw rawDefinition
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing definition file %s: %w", path, err)
		}
		if raw.Name == "" {
			continue // skip empty / comment-only files
		}

		def, err := definitionFromRaw(raw)
		if err != nil {
			return fmt.Errorf("definition %q: %w", raw.Name, err)
		}
		def.Fingerprint = fmt.Sprintf("%x", sha256.Sum256(data))

		if _, exists := r.defs[def.Name]; exists {
			return fmt.Errorf("definition %q: duplicate name (check multiple YAML files)", def.Name)
		}
		r.defs[def.Name] = def
	}
	return nil
}

func definitionFromRaw(raw rawDefinition) (StreamTableDefinition, error) {
	def := StreamTableDefinition{
		ID:                   uuid.NewString(),
		Name:                 raw.Name,
		SourceID:             raw.Source,
		Query:                raw.Query,
		CDCMode:              raw.CDCMode,
		TargetRel:            raw.TargetRel,
		CardinalityThreshold: raw.CardinalityThreshold,
		SchemaVersion:        1,
		UpdatedAt:            time.Now().UTC(),
	}
	if def.CDCMode == "" {
		def.CDCMode = CDCModeTrigger
	}
	if def.TargetRel == "" {
		def.TargetRel = def.Name
	}
	if raw.TickInterval != "" {
		d, err := time.ParseDuration(raw.TickInterval)
		if err != nil || d <= 0 {
			return def, fmt.Errorf("invalid tick_interval %q", raw.TickInterval)
		}
		def.TickInterval = d
	}
	if raw.ReconcileInterval != "" {
		d, err := time.ParseDuration(raw.ReconcileInterval)
		if err != nil || d <= 0 {
			return def, fmt.Errorf("invalid reconcile_interval %q", raw.ReconcileInterval)
		}
		def.ReconcileInterval = d
	}
	if def.CardinalityThreshold < 0 {
		return def, fmt.Errorf("cardinality_threshold must be >= 0")
	}
	if err := def.Validate(); err != nil {
		return def, err
	}
	return def, nil
}

// Get returns the definition with the given name, or an error if not found.
func (r *FileSystemDefinitionRepository) Get(_ context.Context, name string) (*StreamTableDefinition, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("stream definition %q not found", name)
	}
	return &def, nil
}

// GetDefinitions returns all loaded definitions.
func (r *FileSystemDefinitionRepository) GetDefinitions() []StreamTableDefinition {
	defs := make([]StreamTableDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	return defs
}

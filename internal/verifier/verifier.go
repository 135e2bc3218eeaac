// Package verifier checks the persistent run artifacts against embedded JSON
// Schemas before a supplier is marked ready. A failed check flags the run for
// intervention instead of silently packaging bad data.
package verifier

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/svarley/fbascout/internal/paths"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	schemaCachedProducts  = "cached_products.json"
	schemaAICategoryCache = "ai_category_cache.json"
	schemaLinkingMap      = "linking_map.json"
)

// FileCheck is the verdict for one artifact.
type FileCheck struct {
	Path     string   `json:"path"`
	Schema   string   `json:"schema"`
	OK       bool     `json:"ok"`
	Missing  bool     `json:"missing,omitempty"`
	Optional bool     `json:"optional,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Result aggregates the artifact checks for one supplier.
type Result struct {
	Supplier string      `json:"supplier"`
	Checks   []FileCheck `json:"checks"`
}

// NeedsIntervention reports whether any required artifact is missing or
// invalid. Marking the supplier ready is blocked while this holds.
func (r *Result) NeedsIntervention() bool {
	for _, c := range r.Checks {
		if !c.OK && !c.Optional {
			return true
		}
	}
	return false
}

// Verifier validates run artifacts against the embedded schemas.
type Verifier struct {
	paths   *paths.Manager
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// New compiles the embedded schemas. Compilation failure is a programming
// error surfaced at startup, not at verification time.
func New(pm *paths.Manager, logger *slog.Logger) (*Verifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compiler := jsonschema.NewCompiler()
	names := []string{schemaCachedProducts, schemaAICategoryCache, schemaLinkingMap}
	for _, name := range names {
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("verifier: read schema %s: %w", name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("verifier: parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("verifier: add schema %s: %w", name, err)
		}
	}
	schemas := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		sch, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("verifier: compile schema %s: %w", name, err)
		}
		schemas[name] = sch
	}
	return &Verifier{
		paths:   pm,
		schemas: schemas,
		logger:  logger.With("component", "verifier"),
	}, nil
}

// VerifySupplier validates the supplier cache, the AI category cache, and the
// linking map. The AI category cache is optional: suppliers processed without
// AI category ranking never write one.
func (v *Verifier) VerifySupplier(supplier string) *Result {
	result := &Result{Supplier: supplier}
	result.Checks = append(result.Checks,
		v.checkFile(v.paths.SupplierCacheFile(supplier), schemaCachedProducts, false),
		v.checkFile(v.paths.AICategoryCacheFile(supplier), schemaAICategoryCache, true),
		v.checkFile(v.paths.LinkingMapFile(), schemaLinkingMap, false),
	)
	for _, c := range result.Checks {
		if !c.OK {
			v.logger.Warn("artifact verification failed",
				"path", c.Path, "schema", c.Schema, "missing", c.Missing, "optional", c.Optional)
		}
	}
	return result
}

func (v *Verifier) checkFile(path, schemaName string, optional bool) FileCheck {
	check := FileCheck{Path: path, Schema: schemaName, Optional: optional}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			check.Missing = true
			check.OK = optional
			if !optional {
				check.Errors = []string{"file is missing"}
			}
			return check
		}
		check.Errors = []string{err.Error()}
		return check
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		check.Errors = []string{fmt.Sprintf("not valid JSON: %v", err)}
		return check
	}

	if err := v.schemas[schemaName].Validate(doc); err != nil {
		check.Errors = flattenValidationError(err)
		return check
	}
	check.OK = true
	return check
}

// flattenValidationError turns the validator's cause tree into flat messages.
func flattenValidationError(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, e.Error())
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return out
}

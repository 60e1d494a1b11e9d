package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"
	"github.com/xeipuuv/gojsonschema"
)

// versionPrefixRegex is the lighter version check used at install time
var versionPrefixRegex = regexp.MustCompile(`^\d+\.\d+\.\d+`)

// Options controls how deep a manifest is validated
type Options struct {
	// Deep enables full semver grammar and entry point existence checks
	Deep bool
	// Dir is the package directory the entry point is resolved against
	Dir string
}

// Validator parses and validates plugin manifests
type Validator struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
}

// NewValidator creates a new manifest validator
func NewValidator(logger zerolog.Logger) *Validator {
	return &Validator{
		logger:       logger.With().Str("component", "manifest-validator").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(Schema),
	}
}

var defaultValidator = NewValidator(zerolog.Nop())

// Validate parses and checks manifest text with the default validator
func Validate(text []byte, opts Options) (*Manifest, ValidationErrors) {
	return defaultValidator.Validate(text, opts)
}

// LoadDir reads and validates plugin.json from a package directory
func LoadDir(dir string, opts Options) (*Manifest, error) {
	return defaultValidator.LoadDir(dir, opts)
}

// LoadDir reads and validates plugin.json from a package directory
func (v *Validator) LoadDir(dir string, opts Options) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	if opts.Dir == "" {
		opts.Dir = dir
	}
	m, errs := v.Validate(data, opts)
	if len(errs) > 0 {
		return nil, errs
	}
	return m, nil
}

// Validate parses manifest text and returns either the manifest or every
// problem found. It never stops at the first error.
func (v *Validator) Validate(text []byte, opts Options) (*Manifest, ValidationErrors) {
	var errs ValidationErrors

	data := jsonc.ToJSON(text)

	if !json.Valid(data) {
		errs.add("manifest", "malformed JSON")
		return nil, errs
	}

	result, err := gojsonschema.Validate(v.schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		errs.add("manifest", fmt.Sprintf("schema validation error: %v", err))
		return nil, errs
	}
	if !result.Valid() {
		for _, re := range result.Errors() {
			errs.add(re.Field(), re.Description())
		}
		return nil, errs
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		errs.add("manifest", fmt.Sprintf("failed to parse manifest JSON: %v", err))
		return nil, errs
	}

	v.checkRequired(&m, &errs)
	v.checkVersion(&m, opts, &errs)
	v.checkEntry(&m, opts, &errs)
	v.checkPermissions(&m, &errs)
	v.checkWindow(&m, &errs)

	if len(errs) > 0 {
		v.logger.Debug().
			Str("name", m.Name).
			Strs("fields", errs.Fields()).
			Msg("Manifest rejected")
		return nil, errs
	}

	v.logger.Debug().
		Str("id", m.ID()).
		Str("version", m.Version).
		Bool("deep", opts.Deep).
		Msg("Manifest validated")

	return &m, nil
}

func (v *Validator) checkRequired(m *Manifest, errs *ValidationErrors) {
	required := []struct {
		field string
		value string
	}{
		{"name", m.Name},
		{"version", m.Version},
		{"author", m.Author},
		{"main", m.Main},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs.add(r.field, "is required")
		}
	}
}

func (v *Validator) checkVersion(m *Manifest, opts Options, errs *ValidationErrors) {
	if m.Version == "" {
		return
	}
	if opts.Deep {
		if _, err := semver.StrictNewVersion(m.Version); err != nil {
			errs.add("version", fmt.Sprintf("invalid semantic version %q: %v", m.Version, err))
		}
		return
	}
	if !versionPrefixRegex.MatchString(m.Version) {
		errs.add("version", fmt.Sprintf("invalid version %q (must start with X.Y.Z)", m.Version))
	}
}

func (v *Validator) checkEntry(m *Manifest, opts Options, errs *ValidationErrors) {
	if m.Main == "" {
		return
	}
	if !IsSupportedEntry(m.Main) {
		errs.add("main", fmt.Sprintf("unsupported entry point type %q", filepath.Ext(m.Main)))
		return
	}
	if !opts.Deep {
		return
	}
	if opts.Dir == "" {
		errs.add("main", "package directory is required for deep validation")
		return
	}

	entry, err := ResolveEntry(opts.Dir, m.Main)
	if err != nil {
		errs.add("main", err.Error())
		return
	}
	info, err := os.Stat(entry)
	if err != nil {
		errs.add("main", fmt.Sprintf("entry point %s does not exist", m.Main))
		return
	}
	if info.IsDir() {
		errs.add("main", fmt.Sprintf("entry point %s is a directory", m.Main))
	}
}

func (v *Validator) checkPermissions(m *Manifest, errs *ValidationErrors) {
	for i, perm := range m.Permissions {
		if !perm.IsValid() {
			errs.add(fmt.Sprintf("permissions[%d]", i), fmt.Sprintf("unrecognized permission: %s", perm))
		}
	}
}

func (v *Validator) checkWindow(m *Manifest, errs *ValidationErrors) {
	w := m.Window
	if w == nil {
		return
	}
	if w.MaxWidth > 0 && w.MinWidth > w.MaxWidth {
		errs.add("window.minWidth", "must not exceed maxWidth")
	}
	if w.MaxHeight > 0 && w.MinHeight > w.MaxHeight {
		errs.add("window.minHeight", "must not exceed maxHeight")
	}
}

// ResolveEntry joins the entry point onto the package directory and refuses
// paths that leave it.
func ResolveEntry(dir, main string) (string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve package directory: %w", err)
	}
	entry := filepath.Join(root, main)
	rel, err := filepath.Rel(root, entry)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry point %s escapes the package directory", main)
	}
	return entry, nil
}

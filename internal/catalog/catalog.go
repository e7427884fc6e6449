// Package catalog loads the style and intervention catalogs. Both are built
// once at startup and passed by reference to the components that read them.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CarePipe/internal/models"
)

//go:embed styles.yaml
var defaultStyles []byte

//go:embed interventions.yaml
var defaultInterventions []byte

// Catalog is an immutable set of style presets and intervention rules.
type Catalog struct {
	styles        map[string]models.StyleProfile
	styleOrder    []string
	defaultStyle  string
	interventions []models.InterventionRule
	byID          map[string]models.InterventionRule
}

// Opts holds the optional override file paths.
type Opts struct {
	StylesPath        string
	InterventionsPath string
}

// Option configures Load.
type Option func(*Opts)

// WithStylesFile reads styles from path instead of the embedded defaults.
func WithStylesFile(path string) Option {
	return func(o *Opts) { o.StylesPath = path }
}

// WithInterventionsFile reads interventions from path instead of the embedded defaults.
func WithInterventionsFile(path string) Option {
	return func(o *Opts) { o.InterventionsPath = path }
}

// Load builds a Catalog from the embedded defaults or the configured files.
func Load(opts ...Option) (*Catalog, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	styles, err := readOr(cfg.StylesPath, defaultStyles)
	if err != nil {
		return nil, fmt.Errorf("read styles: %w", err)
	}
	interventions, err := readOr(cfg.InterventionsPath, defaultInterventions)
	if err != nil {
		return nil, fmt.Errorf("read interventions: %w", err)
	}
	c, err := Parse(styles, interventions)
	if err != nil {
		return nil, err
	}
	slog.Debug("Catalog.Load: loaded", "styles", len(c.styleOrder), "interventions", len(c.interventions),
		"stylesPath", cfg.StylesPath, "interventionsPath", cfg.InterventionsPath)
	return c, nil
}

// Default returns the catalog built from the embedded files. It panics if they
// are invalid, which the package tests rule out.
func Default() *Catalog {
	c, err := Parse(defaultStyles, defaultInterventions)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

func readOr(path string, fallback []byte) ([]byte, error) {
	if path == "" {
		return fallback, nil
	}
	return os.ReadFile(path)
}

type styleFile struct {
	Default string                `yaml:"default"`
	Styles  []models.StyleProfile `yaml:"styles"`
}

type interventionFile struct {
	Interventions []rawIntervention `yaml:"interventions"`
}

// Parse builds a Catalog from YAML documents. Unknown keys are rejected.
func Parse(stylesYAML, interventionsYAML []byte) (*Catalog, error) {
	var sf styleFile
	if err := decodeStrict(stylesYAML, &sf); err != nil {
		return nil, fmt.Errorf("decode styles: %w", err)
	}
	var inf interventionFile
	if err := decodeStrict(interventionsYAML, &inf); err != nil {
		return nil, fmt.Errorf("decode interventions: %w", err)
	}

	c := &Catalog{
		styles: make(map[string]models.StyleProfile, len(sf.Styles)),
		byID:   make(map[string]models.InterventionRule, len(inf.Interventions)),
	}
	for _, s := range sf.Styles {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.styles[s.ID]; dup {
			return nil, fmt.Errorf("duplicate style id %q", s.ID)
		}
		c.styles[s.ID] = s
		c.styleOrder = append(c.styleOrder, s.ID)
	}
	if _, ok := c.styles[models.StyleCrisisSafe]; !ok {
		return nil, fmt.Errorf("style catalog must define %q", models.StyleCrisisSafe)
	}
	c.defaultStyle = sf.Default
	if c.defaultStyle == "" {
		c.defaultStyle = models.StyleMentor
	}
	if def, ok := c.styles[c.defaultStyle]; !ok || def.Internal {
		return nil, fmt.Errorf("default style %q is not a user-selectable style", c.defaultStyle)
	}

	for i, raw := range inf.Interventions {
		rule, err := raw.normalize(c.styles)
		if err != nil {
			return nil, fmt.Errorf("intervention %d (%s): %w", i, raw.ID, err)
		}
		if _, dup := c.byID[rule.ID]; dup {
			return nil, fmt.Errorf("duplicate intervention id %q", rule.ID)
		}
		c.byID[rule.ID] = rule
		c.interventions = append(c.interventions, rule)
	}
	return c, nil
}

func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Style returns the style with the given id.
func (c *Catalog) Style(id string) (models.StyleProfile, bool) {
	s, ok := c.styles[id]
	return s, ok
}

// CrisisStyle returns the crisis_safe preset.
func (c *Catalog) CrisisStyle() models.StyleProfile {
	return c.styles[models.StyleCrisisSafe]
}

// DefaultStyle returns the preset used when nothing else applies.
func (c *Catalog) DefaultStyle() models.StyleProfile {
	return c.styles[c.defaultStyle]
}

// Styles returns the user-selectable presets in catalog order.
func (c *Catalog) Styles() []models.StyleProfile {
	out := make([]models.StyleProfile, 0, len(c.styleOrder))
	for _, id := range c.styleOrder {
		if s := c.styles[id]; !s.Internal {
			out = append(out, s)
		}
	}
	return out
}

// Interventions returns every rule in catalog order.
func (c *Catalog) Interventions() []models.InterventionRule {
	return append([]models.InterventionRule(nil), c.interventions...)
}

// Intervention returns the rule with the given id.
func (c *Catalog) Intervention(id string) (models.InterventionRule, bool) {
	r, ok := c.byID[id]
	return r, ok
}

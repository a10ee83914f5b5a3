package models

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed styles.yaml
var defaultStylesYAML []byte

// Palette is the set of default colors a style renders with
type Palette struct {
	BuildingColor   string `yaml:"building_color" json:"building_color"`
	StreetColor     string `yaml:"street_color" json:"street_color"`
	WaterColor      string `yaml:"water_color" json:"water_color"`
	ParkColor       string `yaml:"park_color" json:"park_color"`
	BackgroundColor string `yaml:"background_color" json:"background_color"`
}

// Style describes one map style the renderer accepts
type Style struct {
	ID            string  `yaml:"id" json:"id"`
	Name          string  `yaml:"name" json:"name"`
	Description   string  `yaml:"desc" json:"description"`
	Palette       Palette `yaml:"palette" json:"palette"`
	EdgeLinewidth float64 `yaml:"edgeLinewidth" json:"edgeLinewidth"`
	// Advisory marks a palette the bundled renderer does not define itself
	Advisory bool `yaml:"advisory,omitempty" json:"advisory,omitempty"`
}

type styleFile struct {
	Styles []Style `yaml:"styles"`
}

// StyleCatalogue is the ordered, read-only set of known styles
type StyleCatalogue struct {
	styles []Style
	byID   map[string]int
}

// DefaultStyles returns the catalogue compiled into the binary
func DefaultStyles() *StyleCatalogue {
	catalogue, err := ParseStyles(defaultStylesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded styles.yaml is invalid: %v", err))
	}
	return catalogue
}

// LoadStyles reads a catalogue from a YAML file
func LoadStyles(path string) (*StyleCatalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read styles file: %w", err)
	}
	return ParseStyles(data)
}

// ParseStyles decodes a catalogue and rejects empty or duplicate style IDs
func ParseStyles(data []byte) (*StyleCatalogue, error) {
	var file styleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse styles file: %w", err)
	}
	if len(file.Styles) == 0 {
		return nil, fmt.Errorf("styles file defines no styles")
	}

	catalogue := &StyleCatalogue{
		styles: file.Styles,
		byID:   make(map[string]int, len(file.Styles)),
	}
	for i, style := range file.Styles {
		if style.ID == "" {
			return nil, fmt.Errorf("style at index %d has no id", i)
		}
		if _, dup := catalogue.byID[style.ID]; dup {
			return nil, fmt.Errorf("duplicate style id %q", style.ID)
		}
		catalogue.byID[style.ID] = i
	}
	return catalogue, nil
}

// Get returns a style by ID
func (c *StyleCatalogue) Get(id string) (Style, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Style{}, false
	}
	return c.styles[i], true
}

// Has reports whether id names a known style
func (c *StyleCatalogue) Has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// IDs returns the style identifiers in catalogue order
func (c *StyleCatalogue) IDs() []string {
	ids := make([]string, len(c.styles))
	for i, style := range c.styles {
		ids[i] = style.ID
	}
	return ids
}

// List returns a copy of all styles in catalogue order
func (c *StyleCatalogue) List() []Style {
	out := make([]Style, len(c.styles))
	copy(out, c.styles)
	return out
}

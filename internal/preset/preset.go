// Package preset reads named run parameter defaults from a TOML file.
package preset

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/cam3ron2/classroom-snapshot/internal/deadline"
	"github.com/cam3ron2/classroom-snapshot/internal/roster"
	"github.com/cam3ron2/classroom-snapshot/internal/snapshot"
)

// ErrUnknown is returned when a preset name is not defined.
var ErrUnknown = errors.New("unknown preset")

// Preset holds defaults for one kind of run.
type Preset struct {
	Name            string `toml:"-"`
	FolderSuffix    string `toml:"folder_suffix"`
	CloneTime       string `toml:"clone_time"`
	CSVPath         string `toml:"csv_path"`
	AppendTimestamp bool   `toml:"append_timestamp"`
	Category        string `toml:"category"`
	Source          string `toml:"source"`
}

type file struct {
	Presets map[string]Preset `toml:"presets"`
}

// Load reads presets from path. A missing file yields no presets.
func Load(path string) ([]Preset, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading presets: %w", err)
	}
	return Decode(string(data))
}

// Decode parses presets, sorted by name. Unknown keys are rejected.
func Decode(data string) ([]Preset, error) {
	var doc file
	md, err := toml.Decode(data, &doc)
	if err != nil {
		return nil, fmt.Errorf("parsing presets: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("parsing presets: unknown keys %s", strings.Join(keys, ", "))
	}

	presets := make([]Preset, 0, len(doc.Presets))
	for name, p := range doc.Presets {
		p.Name = name
		if err := p.Validate(); err != nil {
			return nil, err
		}
		presets = append(presets, p)
	}
	slices.SortFunc(presets, func(a, b Preset) int {
		return strings.Compare(a.Name, b.Name)
	})
	return presets, nil
}

// Find returns the preset called name.
func Find(presets []Preset, name string) (Preset, error) {
	for _, p := range presets {
		if p.Name == name {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("%w: %q", ErrUnknown, name)
}

// Validate checks the values a preset would apply.
func (p Preset) Validate() error {
	var errs []string
	if p.CloneTime != "" {
		if _, err := deadline.ParseTime(p.CloneTime); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if _, err := roster.ParseCategory(p.Category); err != nil {
		errs = append(errs, err.Error())
	}
	switch strings.ToLower(p.Source) {
	case "", "github", "gitlab":
	default:
		errs = append(errs, fmt.Sprintf("source %q must be github or gitlab", p.Source))
	}

	if len(errs) > 0 {
		return fmt.Errorf("preset %q: %s", p.Name, strings.Join(errs, "; "))
	}
	return nil
}

// Apply copies the preset's values onto params. Empty preset fields leave
// params unchanged.
func (p Preset) Apply(params snapshot.RunParameters) (snapshot.RunParameters, error) {
	if err := p.Validate(); err != nil {
		return params, err
	}
	if p.FolderSuffix != "" {
		params.FolderSuffix = p.FolderSuffix
	}
	if p.CloneTime != "" {
		params.DueTime = p.CloneTime
	}
	if p.CSVPath != "" {
		params.StudentsCSVPath = p.CSVPath
	}
	if p.AppendTimestamp {
		params.AppendTimestamp = true
	}
	if p.Category != "" {
		category, _ := roster.ParseCategory(p.Category)
		params.Category = category
	}
	if p.Source != "" {
		params.Source = strings.ToLower(p.Source)
	}
	return params, nil
}

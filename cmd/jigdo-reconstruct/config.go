package main

import (
	"os"

	"sigs.k8s.io/yaml"

	"github.com/jigdo-project/jigdo/internal/builder"
	"github.com/jigdo-project/jigdo/internal/manifest"
)

// fileConfig is the optional on-disk configuration: path mappings and
// substitution rules for callers who don't want to pass dozens of
// repeated flags, decoded with sigs.k8s.io/yaml so structured config
// can live in a file separate from ad hoc flags.
type fileConfig struct {
	Mappings      []mappingEntry      `json:"mappings"`
	Substitutions []substitutionEntry `json:"substitutions"`
}

type mappingEntry struct {
	Label string `json:"label"`
	Base  string `json:"base"`
}

type substitutionEntry struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func loadConfigFile(path string) (*loadedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, err
	}

	lc := &loadedConfig{}
	for _, m := range fc.Mappings {
		lc.Mappings = append(lc.Mappings, manifest.PathMapping{Label: m.Label, Base: m.Base})
	}
	for _, s := range fc.Substitutions {
		lc.Substitutions = append(lc.Substitutions, builder.Substitution{From: s.From, To: s.To})
	}
	return lc, nil
}

// loadedConfig is fileConfig translated into the types the
// manifest/builder packages actually consume.
type loadedConfig struct {
	Mappings      []manifest.PathMapping
	Substitutions []builder.Substitution
}

package main

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed configs/*.yaml
var embeddedFS embed.FS

// configsFS is the embedded configs directory, rooted at configs/.
var configsFS = mustSub(embeddedFS, "configs")

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

// getEmbeddedConfig returns an embedded config file. The .yaml extension
// is optional.
func getEmbeddedConfig(name string) ([]byte, error) {
	return fs.ReadFile(configsFS, strings.TrimSuffix(name, ".yaml")+".yaml")
}

// listEmbeddedConfigs returns the embedded config names without extension.
func listEmbeddedConfigs() ([]string, error) {
	matches, err := fs.Glob(configsFS, "*.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to list embedded configs: %w", err)
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = strings.TrimSuffix(m, ".yaml")
	}
	sort.Strings(names)
	return names, nil
}

package runtests

import (
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ManifestFileName is the per-package process manifest read for capability
// declarations.
const ManifestFileName = "manifest.toml"

// ManifestEntry is one process declaration inside a package manifest.
type ManifestEntry struct {
	Name                string   `toml:"name"`
	RequestCapabilities []string `toml:"request_capabilities"`
	GrantCapabilities   []string `toml:"grant_capabilities"`
}

type packageManifest struct {
	Process []ManifestEntry `toml:"process"`
}

// Capabilities is the JSON shape of one capabilities-manifest entry shipped
// to the nodes.
type Capabilities struct {
	RequestCapabilities []string `json:"request_capabilities"`
	GrantCapabilities   []string `json:"grant_capabilities"`
}

// ReadManifest loads pkgPath's manifest and requires exactly one process
// entry; anything else is a fatal configuration error.
func ReadManifest(pkgPath string) (ManifestEntry, error) {
	manifestPath := filepath.Join(pkgPath, ManifestFileName)
	var manifest packageManifest
	if _, err := toml.DecodeFile(manifestPath, &manifest); err != nil {
		return ManifestEntry{}, fmt.Errorf("runtests: read manifest %s: %w", manifestPath, err)
	}
	if n := len(manifest.Process); n != 1 {
		return ManifestEntry{}, fmt.Errorf("runtests: manifest %s declares %d process entries, need exactly 1", manifestPath, n)
	}
	return manifest.Process[0], nil
}

// capabilitiesIndex maps each test artifact's basename to its declared
// capabilities, read from the package manifests.
func capabilitiesIndex(testPackagePaths []string) (map[string]Capabilities, error) {
	index := make(map[string]Capabilities, len(testPackagePaths))
	for _, pkgPath := range testPackagePaths {
		entry, err := ReadManifest(pkgPath)
		if err != nil {
			return nil, err
		}
		index[artifactName(pkgPath)] = Capabilities{
			RequestCapabilities: entry.RequestCapabilities,
			GrantCapabilities:   entry.GrantCapabilities,
		}
	}
	return index, nil
}

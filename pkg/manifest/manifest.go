package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nestframe/agentrun/pkg/errs"
	"github.com/nestframe/agentrun/pkg/types"
)

// FileName is the conventional manifest file name at a package's root.
const FileName = "agent.yaml"

// document mirrors agent.yaml's on-disk shape. Field names are kept
// separate from types.PackageManifest so the YAML vocabulary (rest.entry,
// rpc.service, ui.path) can evolve without reshaping the domain type.
type document struct {
	Name       string `yaml:"name"`
	Version    string `yaml:"version"`
	Entrypoint string `yaml:"entrypoint"`
	REST       *struct {
		Entry string `yaml:"entry"`
	} `yaml:"rest"`
	RPC *struct {
		Service string `yaml:"service"`
	} `yaml:"rpc"`
	UI *struct {
		Path     string `yaml:"path"`
		BasePath string `yaml:"base_path"`
	} `yaml:"ui"`
}

var knownTopLevelKeys = map[string]bool{
	"name": true, "version": true, "entrypoint": true,
	"rest": true, "rpc": true, "ui": true,
}

// Warning is a non-fatal manifest issue (e.g. an unrecognised surface
// key) surfaced to the caller for logging.
type Warning struct {
	Message string
}

// Load reads and validates packageDir's manifest file, returning the
// parsed PackageManifest, any non-fatal warnings, or a ManifestInvalid
// error.
func Load(packageDir string) (*types.PackageManifest, []Warning, error) {
	path := filepath.Join(packageDir, FileName)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindManifestInvalid, fmt.Sprintf("read manifest %s", path), err)
	}

	var rawMap map[string]any
	if err := yaml.Unmarshal(raw, &rawMap); err != nil {
		return nil, nil, errs.Wrap(errs.KindManifestInvalid, "parse manifest yaml", err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, errs.Wrap(errs.KindManifestInvalid, "parse manifest yaml", err)
	}

	var warnings []Warning
	for key := range rawMap {
		if !knownTopLevelKeys[key] {
			warnings = append(warnings, Warning{Message: fmt.Sprintf("unknown manifest key %q", key)})
		}
	}

	if doc.Name == "" {
		return nil, warnings, errs.New(errs.KindManifestInvalid, "manifest missing required field \"name\"")
	}
	if doc.Version == "" {
		return nil, warnings, errs.New(errs.KindManifestInvalid, "manifest missing required field \"version\"")
	}

	m := &types.PackageManifest{
		Name:       doc.Name,
		Version:    doc.Version,
		Entrypoint: doc.Entrypoint,
	}

	if doc.REST != nil {
		m.Surfaces.RESTEntry = doc.REST.Entry
		if err := mustExist(packageDir, doc.REST.Entry, "rest.entry"); err != nil {
			return nil, warnings, err
		}
	}
	if doc.RPC != nil {
		m.Surfaces.RPCService = doc.RPC.Service
	}
	if doc.UI != nil {
		m.Surfaces.UIPath = doc.UI.Path
		m.Surfaces.UIBasePath = doc.UI.BasePath
		if err := mustExist(packageDir, doc.UI.Path, "ui.path"); err != nil {
			return nil, warnings, err
		}
	}

	if !m.HasAnySurface() {
		return nil, warnings, errs.New(errs.KindManifestInvalid, "manifest must declare at least one of rest.entry, rpc.service, ui.path")
	}

	return m, warnings, nil
}

func mustExist(packageDir, relPath, field string) error {
	if relPath == "" {
		return nil
	}
	full := filepath.Join(packageDir, relPath)
	if _, err := os.Stat(full); err != nil {
		return errs.Wrap(errs.KindManifestInvalid, fmt.Sprintf("%s references non-existent path %q", field, relPath), err)
	}
	return nil
}

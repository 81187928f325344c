package loader

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nestframe/agentrun/pkg/errs"
	"github.com/nestframe/agentrun/pkg/manifest"
	"github.com/nestframe/agentrun/pkg/types"
)

// Loaded is the result of extracting and validating one package.
type Loaded struct {
	PackageDir string
	Manifest   *types.PackageManifest
	Warnings   []manifest.Warning
}

// Load extracts the APKG archive at archivePath into destDir and validates
// its manifest. destDir must not already exist; Load creates it.
func Load(archivePath, destDir string) (*Loaded, error) {
	if err := extract(archivePath, destDir); err != nil {
		return nil, err
	}

	m, warnings, err := manifest.Load(destDir)
	if err != nil {
		return nil, err
	}

	return &Loaded{PackageDir: destDir, Manifest: m, Warnings: warnings}, nil
}

func extract(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errs.Wrap(errs.KindManifestInvalid, "open package archive", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errs.Wrap(errs.KindManifestInvalid, "open package archive as gzip", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errs.Wrap(errs.KindEnvUnwritable, "create extraction directory", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errs.Wrap(errs.KindManifestInvalid, "read package archive entry", err)
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errs.Wrap(errs.KindEnvUnwritable, "create extracted directory", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errs.Wrap(errs.KindEnvUnwritable, "create extracted file parent", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return errs.Wrap(errs.KindEnvUnwritable, "create extracted file", err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return errs.Wrap(errs.KindEnvUnwritable, "write extracted file", err)
			}
			if err := out.Close(); err != nil {
				return errs.Wrap(errs.KindEnvUnwritable, "close extracted file", err)
			}
		default:
			// symlinks, devices, etc. are not part of the package format; skip.
		}
	}
}

// safeJoin rejects path traversal (archive entries with "../" components
// or absolute paths) before they reach the filesystem.
func safeJoin(destDir, name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", errs.New(errs.KindManifestInvalid, fmt.Sprintf("archive entry %q escapes package root", name))
	}
	return filepath.Join(destDir, clean), nil
}

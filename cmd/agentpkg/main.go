// Command agentpkg is a small developer convenience for producing the
// APKG archives the hosting runtime consumes. The real packaging tool and
// registry signing flow live in the control plane (out of scope per
// spec.md §1); this binary only implements the "pack a directory into the
// archive format pkg/loader extracts" half so local development and
// integration tests do not need a second toolchain.
package main

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "agentpkg",
	Short:   "agentpkg packs an agent package directory into an APKG archive",
	Version: Version,
}

var packCmd = &cobra.Command{
	Use:   "pack <dir>",
	Short: "tar+gzip dir into an APKG archive and print its SHA-256 fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			out = strings.TrimSuffix(filepath.Base(dir), string(filepath.Separator)) + ".pkg"
		}

		fingerprint, size, err := pack(dir, out)
		if err != nil {
			return err
		}

		fmt.Printf("wrote %s (%d bytes)\n", out, size)
		fmt.Printf("sha256: %s\n", fingerprint)
		return nil
	},
}

func init() {
	packCmd.Flags().StringP("output", "o", "", "output archive path (default: <dir>.pkg)")
	rootCmd.AddCommand(packCmd)
}

// pack tars and gzips dir into destPath, returning the resulting archive's
// SHA-256 fingerprint and byte size — the same digest the Fetcher and
// Package Cache verify against packageFingerprint.
func pack(dir, destPath string) (fingerprint string, size int64, err error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", 0, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", 0, fmt.Errorf("%s is not a directory", dir)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".agentpkg-*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(tmp, hasher))
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		tw.Close()
		gz.Close()
		tmp.Close()
		return "", 0, fmt.Errorf("walk %s: %w", dir, walkErr)
	}

	if err := tw.Close(); err != nil {
		return "", 0, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", 0, fmt.Errorf("close gzip writer: %w", err)
	}
	written, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", 0, fmt.Errorf("seek temp archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close temp archive: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return "", 0, fmt.Errorf("rename into place: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), written, nil
}

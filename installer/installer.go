// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package installer performs versioned, atomic installation of backend
// server binaries from GitHub-style release archives, grounded on
// llamacppsrv.DownloadRelease's per-OS/per-CPU-feature archive selection,
// generalized to the spec's version+variant marker files and
// delete-whole-dir rollback.
package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/lemon-gateway/lemon/gwerr"
	"github.com/lemon-gateway/lemon/internal/fetch"
)

// Spec describes one installable backend variant.
type Spec struct {
	Recipe          string // e.g. "llamacpp"
	Variant         string // e.g. "vulkan", "rocm", "metal", "cpu"
	Version         string // expected version string, compared with the version.txt marker
	ExeName         string // executable filename within the install dir
	EnvOverride     string // e.g. "LEMONADE_LLAMACPP_VULKAN_BIN"
	ArchiveURL      string // fully resolved URL for this OS/variant
	IsTarGz         bool   // true for tar.gz archives, false for zip
	WantedFilePatterns []string // base-name globs to extract from the archive; nil means everything
}

const minArchiveBytes = 1 << 20 // 1 MiB; smaller is treated as a corrupt download.

// Ensure installs (or upgrades) the backend described by spec under
// installDir/<recipe>-<variant>/, returning the absolute path to its
// executable. It is idempotent: a correctly versioned, marker-verified
// install is returned immediately without touching the network.
func Ensure(ctx context.Context, installDir string, spec Spec, progress fetch.ProgressFunc) (string, error) {
	if spec.EnvOverride != "" {
		if p := os.Getenv(spec.EnvOverride); p != "" {
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}

	dir := filepath.Join(installDir, spec.Recipe+"-"+spec.Variant)
	exePath := filepath.Join(dir, spec.ExeName)
	versionFile := filepath.Join(dir, "version.txt")
	backendFile := filepath.Join(dir, "backend.txt")

	if matchesMarkers(exePath, versionFile, backendFile, spec.Version, spec.Variant) {
		return exePath, nil
	}

	if _, err := os.Stat(dir); err == nil {
		// Either missing/mismatched markers or the directory is stale: wipe
		// it for a clean install.
		if err := os.RemoveAll(dir); err != nil {
			return "", gwerr.InstallationError(err, "failed to remove stale install dir %q", dir)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", gwerr.InstallationError(err, "failed to create install dir %q", dir)
	}

	if err := install(ctx, dir, exePath, spec, progress); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}

	if err := os.WriteFile(versionFile, []byte(spec.Version), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", gwerr.InstallationError(err, "failed to write %q", versionFile)
	}
	if spec.Variant != "" {
		if err := os.WriteFile(backendFile, []byte(spec.Variant), 0o644); err != nil {
			_ = os.RemoveAll(dir)
			return "", gwerr.InstallationError(err, "failed to write %q", backendFile)
		}
	}
	return exePath, nil
}

func install(ctx context.Context, dir, exePath string, spec Spec, progress fetch.ProgressFunc) error {
	ext := ".zip"
	if spec.IsTarGz {
		ext = ".tar.gz"
	}
	archivePath := filepath.Join(dir, spec.Recipe+"-"+spec.Variant+ext)
	if err := fetch.Download(ctx, spec.ArchiveURL, archivePath, fetch.Options{Progress: progress, Resume: true}); err != nil {
		return err
	}
	defer os.Remove(archivePath)

	st, err := os.Stat(archivePath)
	if err != nil {
		return gwerr.InstallationError(err, "failed to stat downloaded archive %q", archivePath)
	}
	if st.Size() < minArchiveBytes {
		return gwerr.InstallationError(nil, "downloaded archive %q is only %d bytes, treating as corrupt", archivePath, st.Size())
	}

	if spec.IsTarGz {
		if err := fetch.ExtractTarGz(archivePath, dir); err != nil {
			return err
		}
	} else {
		if err := fetch.ExtractZip(archivePath, dir, spec.WantedFilePatterns); err != nil {
			return err
		}
	}

	if _, err := os.Stat(exePath); err != nil {
		return gwerr.InstallationError(err, "executable %q not found after extraction", exePath)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(exePath, 0o755); err != nil {
			return gwerr.InstallationError(err, "failed to chmod %q", exePath)
		}
	}
	return nil
}

func matchesMarkers(exePath, versionFile, backendFile, wantVersion, wantVariant string) bool {
	if _, err := os.Stat(exePath); err != nil {
		return false
	}
	gotVersion, err := os.ReadFile(versionFile)
	if err != nil || string(gotVersion) != wantVersion {
		return false
	}
	if wantVariant != "" {
		gotVariant, err := os.ReadFile(backendFile)
		if err != nil || string(gotVariant) != wantVariant {
			return false
		}
	}
	return true
}

// ExecSuffix returns ".exe" on Windows, "" elsewhere — used by callers
// building an ExeName.
func ExecSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

// LlamaCppArchiveName picks the llama.cpp release archive name for the
// current OS/GPU, mirroring llamacppsrv.DownloadRelease's selection table
// and extending it with the ROCm architecture-tag branch SPEC_FULL.md adds.
func LlamaCppArchiveName(build string, hasCUDA, hasROCm bool, gpuArch string, hasAVX512, hasAVX2 bool) string {
	switch runtime.GOOS {
	case "darwin":
		return "llama-" + build + "-bin-macos-arm64.zip"
	case "linux":
		if hasROCm {
			arch := gpuArch
			if arch == "" {
				arch = "gfx110X"
			}
			return "llama-" + build + "-bin-ubuntu-rocm-" + arch + "-x64.zip"
		}
		return "llama-" + build + "-bin-ubuntu-x64.zip"
	case "windows":
		switch {
		case hasCUDA:
			return "llama-" + build + "-bin-win-cuda-cu12.2.0-x64.zip"
		case hasAVX512:
			return "llama-" + build + "-bin-win-avx512-x64.zip"
		case hasAVX2:
			return "llama-" + build + "-bin-win-avx2-x64.zip"
		default:
			return "llama-" + build + "-bin-win-avx-x64.zip"
		}
	default:
		return ""
	}
}

// EnvVarName returns the well-known executable-path override name for
// (recipe, variant), e.g. "LEMONADE_LLAMACPP_VULKAN_BIN".
func EnvVarName(recipe, variant string) string {
	r := upperUnderscore(recipe)
	if variant == "" {
		return fmt.Sprintf("LEMONADE_%s_BIN", r)
	}
	return fmt.Sprintf("LEMONADE_%s_%s_BIN", r, upperUnderscore(variant))
}

func upperUnderscore(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '-' {
			c = '_'
		} else if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sysinfo is the gateway's hardware oracle. Detailed hardware
// probing (exact GPU model, VRAM, NPU driver version) is out of scope per
// SPEC_FULL.md §1; this package provides minimal, cacheable signals: NPU
// presence and host OS, which the registry branches on, plus CPU SIMD
// features and a ROCm GPU architecture tag, which are probed and cached but
// not passed to the installer's archive selection.
package sysinfo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/cpu"
)

// Info is the cached snapshot of probed hardware facts.
type Info struct {
	Version int    `json:"version"`
	OS      string `json:"os"`
	HasNPU  bool   `json:"has_npu"`
	HasAVX2 bool   `json:"has_avx2"`
	HasAVX512 bool `json:"has_avx512"`
	GPUArch string `json:"gpu_arch,omitempty"` // e.g. "gfx1151", empty if unknown
}

// infoVersion bumps whenever the Info schema changes, invalidating any
// cached system_info.json on disk.
const infoVersion = 1

// Oracle answers hardware questions, backed by a cache file so repeated
// probes (cheap as they are here) don't re-run on every call.
type Oracle struct {
	info Info
}

// Probe detects the current machine's capabilities, using cacheFile (if its
// version matches) to skip re-probing.
func Probe(cacheFile string) (*Oracle, error) {
	if cacheFile != "" {
		if b, err := os.ReadFile(cacheFile); err == nil {
			var cached Info
			if json.Unmarshal(b, &cached) == nil && cached.Version == infoVersion {
				return &Oracle{info: cached}, nil
			}
		}
	}
	info := Info{
		Version:   infoVersion,
		OS:        runtime.GOOS,
		HasNPU:    detectNPU(),
		HasAVX2:   cpu.X86.HasAVX2,
		HasAVX512: cpu.X86.HasAVX512BF16,
		GPUArch:   detectGPUArch(),
	}
	o := &Oracle{info: info}
	if cacheFile != "" {
		if err := os.MkdirAll(filepath.Dir(cacheFile), 0o755); err == nil {
			if b, mErr := json.MarshalIndent(info, "", "  "); mErr == nil {
				_ = os.WriteFile(cacheFile, b, 0o644)
			}
		}
	}
	return o, nil
}

// detectNPU is a stub: real RyzenAI/NPU detection needs vendor tooling no
// example in the retrieval pack carries. Overridable via the
// RYZENAI_SKIP_PROCESSOR_CHECK environment variable for development and
// tests, mirroring the original implementation's own escape hatch.
func detectNPU() bool {
	if os.Getenv("RYZENAI_SKIP_PROCESSOR_CHECK") == "1" {
		return true
	}
	return false
}

// detectGPUArch maps a GPU model string (as reported by the environment,
// since real enumeration needs vendor tooling) to a ROCm architecture tag:
// gfx1151, gfx120X, gfx110X, or the gfx110X default. The installer does not
// receive this tag; backend passes an empty GPU architecture when naming the
// llama.cpp archive.
func detectGPUArch() string {
	model := os.Getenv("LEMON_GPU_MODEL")
	if model == "" {
		return ""
	}
	return MapGPUModelToArch(model)
}

// MapGPUModelToArch implements the archive-variant selection rule from
// SPEC_FULL.md §4.D / §4.E: gfx1151, gfx120X, gfx110X (default).
func MapGPUModelToArch(model string) string {
	switch {
	case contains(model, "8060S", "8050S", "890M", "880M"):
		return "gfx1151"
	case contains(model, "9070", "9060"):
		return "gfx120X"
	default:
		return "gfx110X"
	}
}

func contains(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) <= len(s) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// HasNPU satisfies registry.HardwareOracle.
func (o *Oracle) HasNPU() bool { return o.info.HasNPU }

// IsMacOS satisfies registry.HardwareOracle.
func (o *Oracle) IsMacOS() bool { return o.info.OS == "darwin" }

// HasAVX2 reports the cached AVX2 probe. The installer does not consult it:
// backend passes fixed false AVX flags when naming the llama.cpp archive.
func (o *Oracle) HasAVX2() bool { return o.info.HasAVX2 }

// HasAVX512 reports the cached AVX-512 probe. Like HasAVX2, it is not
// consulted by the installer.
func (o *Oracle) HasAVX512() bool { return o.info.HasAVX512 }

// GPUArch returns the ROCm architecture tag, or "" if unknown.
func (o *Oracle) GPUArch() string { return o.info.GPUArch }

// Info returns a copy of the cached snapshot.
func (o *Oracle) Info() Info { return o.info }

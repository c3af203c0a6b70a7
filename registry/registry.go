// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package registry is the model catalogue and checkpoint resolver: it
// merges the shipped built-in catalogue with the user's own entries,
// filters them by what the local hardware can run, and resolves a
// checkpoint string to a path on disk.
package registry

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lemon-gateway/lemon/gwerr"
	"github.com/lemon-gateway/lemon/internal/fetch"
)

// Recipe identifies which backend runs a model.
type Recipe string

const (
	RecipeLlamaCpp  Recipe = "llamacpp"
	RecipeFLM       Recipe = "flm"
	RecipeOGACPU    Recipe = "oga-cpu"
	RecipeOGANPU    Recipe = "oga-npu"
	RecipeOGAHybrid Recipe = "oga-hybrid"
	RecipeWhisperCpp Recipe = "whispercpp"
	RecipeKokoro    Recipe = "kokoro"
	RecipeSDCpp     Recipe = "sd-cpp"
)

// Label is a capability tag attached to a ModelEntry.
type Label string

const (
	LabelEmbeddings Label = "embeddings"
	LabelReranking  Label = "reranking"
	LabelVision     Label = "vision"
	LabelReasoning  Label = "reasoning"
	LabelAudio      Label = "audio"
	LabelImage      Label = "image"
	LabelCustom     Label = "custom"
)

// ModelEntry is one entry in the merged catalogue.
type ModelEntry struct {
	Name         string   `json:"name"`
	Checkpoint   string   `json:"checkpoint"`
	ResolvedPath string   `json:"-"`
	Recipe       Recipe   `json:"recipe"`
	Labels       []Label  `json:"labels,omitempty"`
	MMProj       string   `json:"mmproj,omitempty"`
	Suggested    bool     `json:"suggested,omitempty"`
	Source       string   `json:"source,omitempty"`
}

func (m *ModelEntry) hasLabel(l Label) bool {
	for _, have := range m.Labels {
		if have == l {
			return true
		}
	}
	return false
}

// HardwareOracle reports what backends the local hardware can run. See the
// sysinfo package for the concrete (intentionally thin) implementation; the
// gateway's detailed hardware-detection subsystem is out of scope.
type HardwareOracle interface {
	HasNPU() bool
	IsMacOS() bool
}

// Resolver merges a built-in and a user catalogue and resolves checkpoints
// to on-disk paths.
type Resolver struct {
	hw       HardwareOracle
	hfCache  string // HuggingFace hub cache directory, e.g. ~/.cache/huggingface/hub
	userFile string // path to user_models.json

	mu        sync.Mutex
	builtin   map[string]ModelEntry
	user      map[string]ModelEntry
	flmCached []string // installed FLM model identities, refreshed by caller
}

//go:embed server_models.json
var builtinCatalogue []byte

// NewResolver loads the built-in catalogue (embedded) and the user
// catalogue (userFile, created empty if missing).
func NewResolver(hw HardwareOracle, hfCache, userFile string) (*Resolver, error) {
	r := &Resolver{hw: hw, hfCache: hfCache, userFile: userFile}
	if err := json.Unmarshal(builtinCatalogue, &r.builtin); err != nil {
		return nil, fmt.Errorf("invalid built-in catalogue: %w", err)
	}
	if r.builtin == nil {
		r.builtin = map[string]ModelEntry{}
	}
	if err := r.loadUser(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resolver) loadUser() error {
	r.user = map[string]ModelEntry{}
	b, err := os.ReadFile(r.userFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return gwerr.FileError(err, "failed to read user catalogue %q", r.userFile)
	}
	d := json.NewDecoder(strings.NewReader(string(b)))
	d.DisallowUnknownFields()
	if err := d.Decode(&r.user); err != nil {
		return gwerr.FileError(err, "failed to parse user catalogue %q", r.userFile)
	}
	return nil
}

func (r *Resolver) saveUserLocked() error {
	b, err := json.MarshalIndent(r.user, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.userFile), 0o755); err != nil {
		return gwerr.FileError(err, "failed to create %q", filepath.Dir(r.userFile))
	}
	if err := os.WriteFile(r.userFile, b, 0o644); err != nil {
		return gwerr.FileError(err, "failed to write user catalogue %q", r.userFile)
	}
	return nil
}

// GetSupportedModels returns the union of built-in and user entries,
// filtered by backend availability, sorted by name.
func (r *Resolver) GetSupportedModels() []ModelEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ModelEntry, 0, len(r.builtin)+len(r.user))
	for name, e := range r.builtin {
		e.Name = name
		out = append(out, e)
	}
	for name, e := range r.user {
		e.Name = name
		out = append(out, e)
	}
	out = r.filterByBackendLocked(out)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Resolver) filterByBackendLocked(in []ModelEntry) []ModelEntry {
	out := in[:0:0]
	for _, e := range in {
		if (e.Recipe == RecipeFLM || e.Recipe == RecipeOGANPU || e.Recipe == RecipeOGAHybrid) && !r.hw.HasNPU() {
			continue
		}
		if r.hw.IsMacOS() && e.Recipe != RecipeLlamaCpp {
			continue
		}
		out = append(out, e)
	}
	return out
}

// GetDownloadedModels returns the subset of supported models whose
// artifacts already exist on disk (or, for FLM, are known-installed per
// flmInstalled).
func (r *Resolver) GetDownloadedModels(flmInstalled []string) []ModelEntry {
	all := r.GetSupportedModels()
	out := make([]ModelEntry, 0, len(all))
	installed := map[string]bool{}
	for _, id := range flmInstalled {
		installed[strings.ToLower(id)] = true
	}
	for _, e := range all {
		if e.Recipe == RecipeFLM {
			if installed[strings.ToLower(e.Checkpoint)] {
				out = append(out, e)
			}
			continue
		}
		path, err := r.Resolve(&e)
		if err == nil && path != "" {
			if _, statErr := os.Stat(path); statErr == nil {
				e.ResolvedPath = path
				out = append(out, e)
			}
		}
	}
	return out
}

// RegisterUserModel adds or replaces an entry in the user catalogue. name
// must begin with "user.". GGUF (llamacpp) checkpoints must carry a
// ":variant" suffix.
func (r *Resolver) RegisterUserModel(name, checkpoint string, recipe Recipe, labels []Label, mmproj, source string) error {
	if !strings.HasPrefix(name, "user.") {
		return gwerr.InvalidRequest("user model name must begin with %q, got %q", "user.", name)
	}
	if recipe == RecipeLlamaCpp && source != "local_upload" && !strings.Contains(checkpoint, ":") {
		return gwerr.InvalidRequest("llamacpp checkpoint %q must include a :variant suffix", checkpoint)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.user[name] = ModelEntry{
		Name:       name,
		Checkpoint: checkpoint,
		Recipe:     recipe,
		Labels:     labels,
		MMProj:     mmproj,
		Source:     source,
	}
	return r.saveUserLocked()
}

// DeleteModel removes name from the user catalogue. Built-in models cannot
// be deleted. For entries registered against a local upload (Source ==
// "local_upload"), the copied directory in the HF cache is also removed,
// per spec.md §4.C's delete_model invariant.
func (r *Resolver) DeleteModel(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.user[name]
	if !ok {
		return gwerr.InvalidRequest("model %q is not a user model", name)
	}
	delete(r.user, name)
	if err := r.saveUserLocked(); err != nil {
		return err
	}
	if e.Source == "local_upload" && e.Checkpoint != "" {
		if err := os.RemoveAll(e.Checkpoint); err != nil {
			return gwerr.FileError(err, "failed to remove copied upload directory %q", e.Checkpoint)
		}
	}
	return nil
}

// Get returns the merged entry for name, or ok=false.
func (r *Resolver) Get(name string) (ModelEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.user[name]; ok {
		e.Name = name
		return e, true
	}
	if e, ok := r.builtin[name]; ok {
		e.Name = name
		return e, true
	}
	return ModelEntry{}, false
}

// Resolve computes ResolvedPath for e, per the per-recipe rules in
// SPEC_FULL.md §4.C. It does not mutate the registry; callers that want the
// resolved path persisted should copy it onto their own ModelEntry.
//
// A local_upload entry's checkpoint is already a path to the copied
// directory/file (per original_source's model_manager.cpp
// resolve_model_path, which special-cases info.source == "local_upload"
// before falling into the HF-cache scan), so it's returned as-is rather
// than run through the HF-cache variant-matching algorithm.
func (r *Resolver) Resolve(e *ModelEntry) (string, error) {
	if e.Source == "local_upload" {
		return e.Checkpoint, nil
	}
	switch e.Recipe {
	case RecipeFLM:
		return e.Checkpoint, nil
	case RecipeOGACPU, RecipeOGANPU, RecipeOGAHybrid:
		return r.resolveOGA(e.Checkpoint)
	default:
		return r.resolveGGUF(e.Checkpoint)
	}
}

// DownloadModel resolves e's checkpoint to an on-disk path, fetching it from
// HuggingFace if it isn't already present (FLM delegates to its own CLI,
// and local_upload entries are already on disk by construction). If
// doNotUpgrade and the artifact already exists, it returns immediately
// without re-fetching, per spec.md §4.C's download_model invariant
// ("idempotent; if do_not_upgrade and already downloaded, returns
// immediately"). On success e.ResolvedPath is updated to the returned path.
func (r *Resolver) DownloadModel(ctx context.Context, e *ModelEntry, mmproj string, doNotUpgrade bool) (string, error) {
	path, err := r.Resolve(e)
	if err == nil {
		if doNotUpgrade {
			if _, statErr := os.Stat(path); statErr == nil || e.Recipe == RecipeFLM || e.Source == "local_upload" {
				e.ResolvedPath = path
				return path, nil
			}
		} else if _, statErr := os.Stat(path); statErr == nil {
			e.ResolvedPath = path
			return path, nil
		}
	}
	if e.Recipe == RecipeFLM {
		e.ResolvedPath = e.Checkpoint
		return e.Checkpoint, nil
	}
	if e.Source == "local_upload" {
		return "", gwerr.FileError(err, "local upload %q is missing from disk", e.Checkpoint)
	}
	// All other recipes fetch from HuggingFace. The repo id is the part of
	// the checkpoint before ":".
	repoID, _, _ := strings.Cut(e.Checkpoint, ":")
	url := "https://huggingface.co/" + repoID + "/resolve/HEAD/"
	dst := path
	if dst == "" {
		dst = filepath.Join(filepath.Dir(e.Checkpoint), filepath.Base(e.Checkpoint))
	}
	if err := fetch.Download(ctx, url+filepath.Base(dst), dst, fetch.Options{Resume: true}); err != nil {
		return "", err
	}
	e.ResolvedPath = dst
	return dst, nil
}

// resolveGGUF implements the llamacpp/whispercpp/kokoro/sd-cpp checkpoint
// resolution algorithm: locate the HuggingFace hub cache directory for the
// repo, enumerate its .gguf files (excluding mmproj files), and pick one
// per the variant-matching rules.
func (r *Resolver) resolveGGUF(checkpoint string) (string, error) {
	repoID, variant, _ := strings.Cut(checkpoint, ":")
	dir := filepath.Join(r.hfCache, "models--"+strings.ReplaceAll(repoID, "/", "--"))
	files, err := listGGUF(dir)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", gwerr.ModelNotLoaded(checkpoint)
	}
	sort.Strings(files)
	return selectVariant(files, variant), nil
}

func listGGUF(dir string) ([]string, error) {
	var out []string
	err := walkDir(dir, func(path string, isDir bool) {
		if isDir {
			return
		}
		lower := strings.ToLower(path)
		if strings.HasSuffix(lower, ".gguf") && !strings.Contains(lower, "mmproj") {
			out = append(out, path)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// walkDir walks dir recursively, calling fn for every entry. A missing dir
// is treated as "no entries" rather than an error, since an unresolved
// checkpoint (not yet downloaded) is an expected state, not a failure.
func walkDir(dir string, fn func(path string, isDir bool)) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		fn(path, d.IsDir())
		return nil
	})
}

// selectVariant applies the spec's case-insensitive variant-matching rules
// over an already sorted list of candidate file paths.
func selectVariant(files []string, variant string) string {
	if variant == "" || variant == "*" {
		return files[0]
	}
	lv := strings.ToLower(variant)
	if strings.HasSuffix(lv, ".gguf") {
		for _, f := range files {
			if strings.ToLower(filepath.Base(f)) == lv {
				return f
			}
		}
		return files[0]
	}
	var suffixMatches, pathMatches []string
	for _, f := range files {
		base := strings.ToLower(filepath.Base(f))
		if strings.HasSuffix(base, lv+".gguf") {
			suffixMatches = append(suffixMatches, f)
		}
		if strings.Contains(strings.ToLower(f), "/"+lv+"/") {
			pathMatches = append(pathMatches, f)
		}
	}
	if len(suffixMatches) > 0 {
		return suffixMatches[0]
	}
	if len(pathMatches) > 0 {
		return pathMatches[0]
	}
	return files[0]
}

// resolveOGA scans dir recursively for a genai_config.json and returns its
// enclosing directory.
func (r *Resolver) resolveOGA(checkpoint string) (string, error) {
	repoID, _, _ := strings.Cut(checkpoint, ":")
	dir := filepath.Join(r.hfCache, "models--"+strings.ReplaceAll(repoID, "/", "--"))
	var found string
	err := walkDir(dir, func(path string, isDir bool) {
		if !isDir && filepath.Base(path) == "genai_config.json" && found == "" {
			found = filepath.Dir(path)
		}
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", gwerr.ModelNotLoaded(checkpoint)
	}
	return found, nil
}

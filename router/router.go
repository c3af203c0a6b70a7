// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package router is the load manager: it enforces a max-loaded-model cap per
// model class with LRU eviction, serializes concurrent loads of the same (or
// different) models behind a single lock, and dispatches capability-checked
// requests to whichever backend.Variant is currently loaded for a model.
//
// Grounded on original_source's server/router.cpp for the capability-dispatch
// shape, generalized to the spec's multi-class-cap+LRU design, and on
// llm/memory.go's mutex-guarded-map idiom for the loaded-model table.
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/lemon-gateway/lemon/backend"
	"github.com/lemon-gateway/lemon/gwerr"
	"github.com/lemon-gateway/lemon/registry"
)

// Class classifies a loaded model into one of the cap-enforced buckets.
type Class string

const (
	ClassLLM       Class = "llm"
	ClassEmbedding Class = "embedding"
	ClassReranking Class = "reranking"
	ClassAudio     Class = "audio"
	ClassAudioOut  Class = "audio_out"
	ClassImage     Class = "image"
)

// Classify assigns a Class to a ModelEntry from its recipe and labels, per
// SPEC_FULL.md §4.F step 1.
func Classify(e registry.ModelEntry) Class {
	switch e.Recipe {
	case registry.RecipeWhisperCpp:
		return ClassAudio
	case registry.RecipeKokoro:
		return ClassAudioOut
	case registry.RecipeSDCpp:
		return ClassImage
	}
	for _, l := range e.Labels {
		switch l {
		case registry.LabelEmbeddings:
			return ClassEmbedding
		case registry.LabelReranking:
			return ClassReranking
		}
	}
	return ClassLLM
}

// Caps holds the per-class max-loaded-model count. A zero or negative value
// is treated as a cap of 1 (see For); the CLI surface (§6) always supplies
// positive values.
type Caps struct {
	LLM       int
	Embedding int
	Reranking int
	Audio     int
	AudioOut  int
	Image     int
}

// For returns the configured cap for c, defaulting to 1 if unset — a fresh
// Caps{} zero value would otherwise let every class load unboundedly, which
// is never the spec's intent (every CLI invocation names at least the LLM
// cap).
func (c Caps) For(class Class) int {
	v := c.forRaw(class)
	if v <= 0 {
		return 1
	}
	return v
}

func (c Caps) forRaw(class Class) int {
	switch class {
	case ClassLLM:
		return c.LLM
	case ClassEmbedding:
		return c.Embedding
	case ClassReranking:
		return c.Reranking
	case ClassAudio:
		return c.Audio
	case ClassAudioOut:
		return c.AudioOut
	case ClassImage:
		return c.Image
	default:
		return 1
	}
}

// Backend is the subset of backend.Variant's lifecycle the router drives,
// extracted as an interface (the same accept-an-interface shape registry
// uses for its HardwareOracle) so tests can substitute a fake instead of
// installing and spawning a real subprocess.
type Backend interface {
	Install(ctx context.Context, opts backend.Options) error
	DownloadModel(ctx context.Context, resolver *registry.Resolver, mmproj string, doNotUpgrade bool) (string, error)
	Load(ctx context.Context, opts backend.Options) error
	Unload(ctx context.Context) error
	Supports(cap backend.Capability) bool
	Forward(ctx context.Context, cap backend.Capability, req json.RawMessage) (json.RawMessage, error)
	ForwardStreaming(ctx context.Context, cap backend.Capability, req json.RawMessage) (*http.Response, error)
}

// NewBackendFunc constructs a Backend for a given model; the default wraps
// backend.New.
type NewBackendFunc func(kind backend.Kind, model registry.ModelEntry) Backend

func defaultNewBackend(kind backend.Kind, model registry.ModelEntry) Backend {
	return backend.New(kind, model)
}

// loaded is one entry in the router's loaded-model table.
type loaded struct {
	backend  Backend
	class    Class
	lastUse  time.Time
}

// Config configures a Router.
type Config struct {
	Caps         Caps
	CacheDir     string
	InstallDir   string
	ContextSize  int
	Variant      string // llamacpp backend variant: vulkan/rocm/metal/cpu
	ExtraArgs    []string
	DoNotUpgrade bool
	NewBackend   NewBackendFunc // nil means defaultNewBackend
}

// Router is the gateway's load manager: one per process.
type Router struct {
	resolver *registry.Resolver
	cfg      Config
	newBackend NewBackendFunc

	loadMu sync.Mutex // serializes the entire load algorithm, per SPEC_FULL.md §4.F

	mu      sync.Mutex // guards loaded + order below
	loaded  map[string]*loaded
	order   []string // insertion order, for reverse-order shutdown
}

// New returns a Router backed by resolver.
func New(resolver *registry.Resolver, cfg Config) *Router {
	nb := cfg.NewBackend
	if nb == nil {
		nb = defaultNewBackend
	}
	return &Router{
		resolver:   resolver,
		cfg:        cfg,
		newBackend: nb,
		loaded:     map[string]*loaded{},
	}
}

// Load ensures name is loaded, evicting the LRU member of its class if that
// would exceed the class cap. Two concurrent Load(name) calls for the same
// model result in exactly one subprocess spawn: the whole algorithm runs
// under loadMu, so the second caller blocks until the first completes, then
// observes the model already loaded and returns immediately — a mutex
// achieves the same coalescing a condition variable would, without a
// separate in-flight-call table.
func (r *Router) Load(ctx context.Context, name string) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	r.mu.Lock()
	if lm, ok := r.loaded[name]; ok {
		lm.lastUse = time.Now()
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	return r.doLoad(ctx, name)
}

func (r *Router) doLoad(ctx context.Context, name string) error {
	entry, ok := r.resolver.Get(name)
	if !ok {
		return gwerr.InvalidRequest("unknown model %q", name)
	}
	class := Classify(entry)
	if err := r.evictLocked(ctx, class); err != nil {
		return err
	}

	b := r.newBackend(backend.Kind(entry.Recipe), entry)
	opts := backend.Options{
		CacheDir:    r.cfg.CacheDir,
		InstallDir:  r.cfg.InstallDir,
		ContextSize: r.cfg.ContextSize,
		Variant:     r.cfg.Variant,
		ExtraArgs:   r.cfg.ExtraArgs,
	}
	if err := b.Install(ctx, opts); err != nil {
		_ = b.Unload(ctx)
		return err
	}
	if _, err := b.DownloadModel(ctx, r.resolver, entry.MMProj, r.cfg.DoNotUpgrade); err != nil {
		_ = b.Unload(ctx)
		return err
	}
	if err := b.Load(ctx, opts); err != nil {
		_ = b.Unload(ctx)
		return err
	}

	r.mu.Lock()
	r.loaded[name] = &loaded{backend: b, class: class, lastUse: time.Now()}
	r.order = append(r.order, name)
	r.mu.Unlock()
	return nil
}

// evictLocked unloads the LRU member of class while the class is at or over
// cap, per SPEC_FULL.md §4.F step 4. Called with loadMu already held so no
// other Load can race the check.
func (r *Router) evictLocked(ctx context.Context, class Class) error {
	cap := r.cfg.Caps.For(class)
	for {
		victim, ok := r.lruOfClass(class, cap)
		if !ok {
			return nil
		}
		r.mu.Lock()
		lm := r.loaded[victim]
		delete(r.loaded, victim)
		r.removeOrderLocked(victim)
		r.mu.Unlock()
		if lm != nil {
			if err := lm.backend.Unload(ctx); err != nil {
				return gwerr.ProcessError(err, "failed to evict %q", victim)
			}
		}
	}
}

// lruOfClass returns the name of class's least-recently-used member if the
// class is at or over cap, else ok=false.
func (r *Router) lruOfClass(class Class, cap int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for n, lm := range r.loaded {
		if lm.class == class {
			names = append(names, n)
		}
	}
	if len(names) < cap {
		return "", false
	}
	sort.Slice(names, func(i, j int) bool {
		return r.loaded[names[i]].lastUse.Before(r.loaded[names[j]].lastUse)
	})
	return names[0], true
}

func (r *Router) removeOrderLocked(name string) {
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Unload stops name's backend and removes it from the loaded table. Safe to
// call on an already-unloaded (or never-loaded) model.
func (r *Router) Unload(ctx context.Context, name string) error {
	r.mu.Lock()
	lm, ok := r.loaded[name]
	if ok {
		delete(r.loaded, name)
		r.removeOrderLocked(name)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return lm.backend.Unload(ctx)
}

// UnloadAll stops every loaded model, in reverse load order, per SPEC_FULL.md
// §5's shutdown ordering guarantee.
func (r *Router) UnloadAll(ctx context.Context) error {
	r.mu.Lock()
	order := append([]string(nil), r.order...)
	snapshot := r.loaded
	r.order = nil
	r.loaded = map[string]*loaded{}
	r.mu.Unlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		lm, ok := snapshot[order[i]]
		if !ok {
			continue
		}
		if err := lm.backend.Unload(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// touch returns the loaded entry for name, bumping its last-use timestamp,
// or a ModelNotLoadedError.
func (r *Router) touch(name string) (*loaded, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lm, ok := r.loaded[name]
	if !ok {
		return nil, gwerr.ModelNotLoaded(name)
	}
	lm.lastUse = time.Now()
	return lm, nil
}

// Forward dispatches a synchronous (non-streaming) request to name's
// backend, capability-checked. Requests against an unsupported capability
// return UnsupportedOperationError without any backend call, per
// SPEC_FULL.md §4.F.
func (r *Router) Forward(ctx context.Context, name string, cap backend.Capability, req json.RawMessage) (json.RawMessage, error) {
	lm, err := r.touch(name)
	if err != nil {
		return nil, err
	}
	if !lm.backend.Supports(cap) {
		return nil, gwerr.UnsupportedOperation(name, string(cap))
	}
	return lm.backend.Forward(ctx, cap, req)
}

// ForwardStreaming dispatches a streaming request to name's backend,
// returning the raw upstream HTTP response for the caller to proxy (see
// package streaming).
func (r *Router) ForwardStreaming(ctx context.Context, name string, cap backend.Capability, req json.RawMessage) (*http.Response, error) {
	lm, err := r.touch(name)
	if err != nil {
		return nil, err
	}
	if !lm.backend.Supports(cap) {
		return nil, gwerr.UnsupportedOperation(name, string(cap))
	}
	return lm.backend.ForwardStreaming(ctx, cap, req)
}

// Loaded reports whether name currently has a loaded backend.
func (r *Router) Loaded(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loaded[name]
	return ok
}

// LoadedNames returns the names of all currently loaded models, for the
// health and stats endpoints.
func (r *Router) LoadedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.loaded))
	for n := range r.loaded {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

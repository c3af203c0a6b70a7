// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lemon-gateway/lemon/router"
)

// config is the gateway's persisted settings file, grounded on
// cmd/discord-bot's sillybot.Config/LoadOrDefault pattern — a YAML file
// loaded at startup, created with defaults if missing.
type config struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	LogLevel         string `yaml:"log_level"`
	CacheDir         string `yaml:"cache_dir"`
	InstallDir       string `yaml:"install_dir"`
	ContextSize      int    `yaml:"context_size"`
	Variant          string `yaml:"variant"`
	DoNotUpgrade     bool   `yaml:"do_not_upgrade"`
	MaxLoaded        string `yaml:"max_loaded_models"`
	FilterHealthLogs bool   `yaml:"filter_health_logs"`
}

func defaultConfig() config {
	return config{
		Host:        "127.0.0.1",
		Port:        11535,
		LogLevel:    "info",
		CacheDir:    "cache",
		InstallDir:  "cache/backends",
		ContextSize: 4096,
		MaxLoaded:   "1",
	}
}

// loadOrDefault reads path as YAML, creating it with documented defaults if
// it doesn't exist yet — mirroring sillybot.Config.LoadOrDefault's shape.
func (c *config) loadOrDefault(path string) error {
	*c = defaultConfig()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		out, mErr := yaml.Marshal(c)
		if mErr != nil {
			return mErr
		}
		return os.WriteFile(path, out, 0o644)
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// parseMaxLoadedModels implements the original's `--max-loaded-models N [E]
// [R] [A] [I]` arity rule (SPEC_FULL.md "Supplemented features"): 1, 3, 4,
// or 5 positive integers; any other count (notably 2) is rejected. One
// value sets every class to the same cap; three sets LLM/Embedding/Reranking
// with Audio/AudioOut/Image left at the 1-model default; four adds Audio
// (covering both audio classes); five sets every class explicitly.
func parseMaxLoadedModels(s string) (router.Caps, error) {
	fields := strings.Fields(s)
	vals := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n <= 0 {
			return router.Caps{}, fmt.Errorf("max-loaded-models value %q must be a positive integer", f)
		}
		vals = append(vals, n)
	}
	switch len(vals) {
	case 1:
		return router.Caps{LLM: vals[0], Embedding: vals[0], Reranking: vals[0], Audio: vals[0], AudioOut: vals[0], Image: vals[0]}, nil
	case 3:
		return router.Caps{LLM: vals[0], Embedding: vals[1], Reranking: vals[2], Audio: 1, AudioOut: 1, Image: 1}, nil
	case 4:
		return router.Caps{LLM: vals[0], Embedding: vals[1], Reranking: vals[2], Audio: vals[3], AudioOut: vals[3], Image: 1}, nil
	case 5:
		return router.Caps{LLM: vals[0], Embedding: vals[1], Reranking: vals[2], Audio: vals[3], AudioOut: vals[3], Image: vals[4]}, nil
	default:
		return router.Caps{}, fmt.Errorf("--max-loaded-models accepts 1, 3, 4, or 5 positive integers, got %d", len(vals))
	}
}

// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func buildZip(t *testing.T, files map[string]int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, size := range files {
		f, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		if err != nil {
			t.Fatal(err)
		}
		// Store (no compression) so the archive's on-disk size tracks the
		// content size for the minArchiveBytes check below.
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i)
		}
		if _, err := f.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestEnsureInstallsAndIsIdempotent(t *testing.T) {
	zipData := buildZip(t, map[string]int{
		"build/bin/llama-server": minArchiveBytes + 100,
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(zipData)
	}))
	defer srv.Close()

	installDir := t.TempDir()
	spec := Spec{
		Recipe:     "llamacpp",
		Variant:    "cpu",
		Version:    "4882",
		ExeName:    "llama-server",
		ArchiveURL: srv.URL,
	}
	exe, err := Ensure(context.Background(), installDir, spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(exe); err != nil {
		t.Fatalf("executable not installed: %v", err)
	}

	calls := 0
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write(zipData)
	}))
	defer srv2.Close()
	spec.ArchiveURL = srv2.URL
	exe2, err := Ensure(context.Background(), installDir, spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if exe2 != exe {
		t.Errorf("exe path changed between calls: %q vs %q", exe, exe2)
	}
	if calls != 0 {
		t.Errorf("second Ensure call re-downloaded, want a marker-verified no-op")
	}
}

func TestEnsureEnvOverride(t *testing.T) {
	dir := t.TempDir()
	fake := filepath.Join(dir, "llama-server")
	if err := os.WriteFile(fake, []byte("binary"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEMON_TEST_LLAMACPP_BIN", fake)
	spec := Spec{Recipe: "llamacpp", Variant: "cpu", ExeName: "llama-server", EnvOverride: "LEMON_TEST_LLAMACPP_BIN"}
	got, err := Ensure(context.Background(), t.TempDir(), spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != fake {
		t.Errorf("got %q, want %q", got, fake)
	}
}

func TestEnsureCorruptArchiveRollsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("too small"))
	}))
	defer srv.Close()

	installDir := t.TempDir()
	spec := Spec{Recipe: "llamacpp", Variant: "cpu", Version: "1", ExeName: "llama-server", ArchiveURL: srv.URL}
	if _, err := Ensure(context.Background(), installDir, spec, nil); err == nil {
		t.Fatal("expected an error for an undersized archive")
	}
	if _, err := os.Stat(filepath.Join(installDir, "llamacpp-cpu")); !os.IsNotExist(err) {
		t.Errorf("expected install dir to be rolled back, stat err = %v", err)
	}
}

func TestLlamaCppArchiveName(t *testing.T) {
	if got := LlamaCppArchiveName("b4882", false, true, "gfx1151", false, false); got == "" {
		t.Fatal("expected a non-empty archive name")
	}
}

func TestEnvVarName(t *testing.T) {
	if got := EnvVarName("llamacpp", "vulkan"); got != "LEMONADE_LLAMACPP_VULKAN_BIN" {
		t.Errorf("got %q", got)
	}
	if got := EnvVarName("flm", ""); got != "LEMONADE_FLM_BIN" {
		t.Errorf("got %q", got)
	}
}

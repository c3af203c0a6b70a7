// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sysinfo

import "testing"

func TestMapGPUModelToArch(t *testing.T) {
	cases := []struct {
		model string
		want  string
	}{
		{"Radeon 8060S Graphics", "gfx1151"},
		{"Radeon RX 9070 XT", "gfx120X"},
		{"Radeon RX 7900 XTX", "gfx110X"},
		{"", "gfx110X"},
	}
	for _, c := range cases {
		if got := MapGPUModelToArch(c.model); got != c.want {
			t.Errorf("MapGPUModelToArch(%q) = %q, want %q", c.model, got, c.want)
		}
	}
}

func TestProbeCaches(t *testing.T) {
	dir := t.TempDir() + "/system_info.json"
	o1, err := Probe(dir)
	if err != nil {
		t.Fatal(err)
	}
	o2, err := Probe(dir)
	if err != nil {
		t.Fatal(err)
	}
	if o1.Info() != o2.Info() {
		t.Errorf("cached probe differs: %+v vs %+v", o1.Info(), o2.Info())
	}
}

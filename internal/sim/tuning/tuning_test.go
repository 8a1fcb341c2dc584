package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_TuningYAML(t *testing.T) {
	cfg, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load tuning.yaml: %v", err)
	}
	if cfg.PillarUnloadTicks < cfg.ChunkUnloadTicks {
		t.Fatalf("pillar_unload_ticks %d below chunk_unload_ticks %d", cfg.PillarUnloadTicks, cfg.ChunkUnloadTicks)
	}
	if len(cfg.Worlds) == 0 || cfg.DefaultWorldID == "" {
		t.Fatalf("expected worlds from config: %+v", cfg)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TickRateHz != 20 || cfg.DefaultWorldID != "overworld" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestNormalize_ClampsTimers(t *testing.T) {
	cfg := Tuning{ChunkUnloadTicks: 50, PillarUnloadTicks: 10, Worlds: []WorldSpec{{ID: " a "}}}
	cfg.Normalize()
	if cfg.PillarUnloadTicks != 50 {
		t.Fatalf("pillar ticks = %d", cfg.PillarUnloadTicks)
	}
	if cfg.DefaultWorldID != "a" || cfg.IndexBackend != "none" {
		t.Fatalf("normalize: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]Tuning{
		"duplicate": {Worlds: []WorldSpec{{ID: "a"}, {ID: "a"}}},
		"path":      {Worlds: []WorldSpec{{ID: "../a"}}},
		"plugin":    {Worlds: []WorldSpec{{ID: "a", Plugins: []string{"lua"}}}},
		"default":   {DefaultWorldID: "b", Worlds: []WorldSpec{{ID: "a"}}},
		"backend":   {IndexBackend: "mysql", Worlds: []WorldSpec{{ID: "a"}}},
		"empty":     {},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("worlds: [\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "tuning.yaml") {
		t.Fatalf("expected wrapped yaml error, got %v", err)
	}
}

package tuning

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	TickRateHz int `yaml:"tick_rate_hz"`

	// ChunkUnloadTicks is how long a column stays unloaded before its graphs are paged out.
	ChunkUnloadTicks int `yaml:"chunk_unload_ticks"`
	// PillarUnloadTicks is how long an idle region pillar stays cached. Never below
	// ChunkUnloadTicks.
	PillarUnloadTicks int  `yaml:"pillar_unload_ticks"`
	AsyncRegionLoad   bool `yaml:"async_region_load"`
	IDReserveBlock    int  `yaml:"id_reserve_block"`
	SaveEveryTicks    int  `yaml:"save_every_ticks"`

	DefaultWorldID string      `yaml:"default_world_id"`
	Worlds         []WorldSpec `yaml:"worlds"`

	IndexBackend string `yaml:"index_backend"`
	// IndexDSN is the postgres connection string. BG_INDEX_PG_DSN overrides it.
	IndexDSN     string `yaml:"index_dsn"`
	ObserverAddr string `yaml:"observer_addr"`
	EventLog     bool   `yaml:"event_log"`
}

type WorldSpec struct {
	ID string `yaml:"id"`
	// Plugins lists the policy plugins whose discoverers run in this world.
	Plugins []string `yaml:"plugins"`
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz:        20,
		ChunkUnloadTicks:  200,
		PillarUnloadTicks: 600,
		AsyncRegionLoad:   true,
		IDReserveBlock:    64,
		SaveEveryTicks:    1200,
		DefaultWorldID:    "overworld",
		Worlds:            []WorldSpec{{ID: "overworld", Plugins: []string{"wiring"}}},
		IndexBackend:      "sqlite",
		ObserverAddr:      ":8090",
		EventLog:          true,
	}
}

func (t *Tuning) Normalize() {
	if t.TickRateHz <= 0 {
		t.TickRateHz = 20
	}
	if t.ChunkUnloadTicks <= 0 {
		t.ChunkUnloadTicks = 200
	}
	if t.PillarUnloadTicks < t.ChunkUnloadTicks {
		t.PillarUnloadTicks = t.ChunkUnloadTicks
	}
	if t.IDReserveBlock <= 0 {
		t.IDReserveBlock = 64
	}
	if t.SaveEveryTicks < 0 {
		t.SaveEveryTicks = 0
	}
	t.IndexBackend = strings.ToLower(strings.TrimSpace(t.IndexBackend))
	if t.IndexBackend == "" {
		t.IndexBackend = "none"
	}
	for i := range t.Worlds {
		t.Worlds[i].ID = strings.TrimSpace(t.Worlds[i].ID)
	}
	if strings.TrimSpace(t.DefaultWorldID) == "" && len(t.Worlds) > 0 {
		t.DefaultWorldID = t.Worlds[0].ID
	}
}

func (t Tuning) Validate() error {
	t.Normalize()
	if len(t.Worlds) == 0 {
		return fmt.Errorf("worlds must not be empty")
	}
	seen := map[string]bool{}
	for _, w := range t.Worlds {
		if w.ID == "" {
			return fmt.Errorf("world id must not be empty")
		}
		if strings.ContainsAny(w.ID, `/\. `) {
			return fmt.Errorf("world id %q must not contain path separators, dots or spaces", w.ID)
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate world id: %s", w.ID)
		}
		seen[w.ID] = true
		for _, p := range w.Plugins {
			if p != "wiring" {
				return fmt.Errorf("world %s: unknown plugin %q", w.ID, p)
			}
		}
	}
	if !seen[t.DefaultWorldID] {
		return fmt.Errorf("default_world_id %q not found in worlds", t.DefaultWorldID)
	}
	switch t.IndexBackend {
	case "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("index_backend must be sqlite, postgres or none, got %q", t.IndexBackend)
	}
	return nil
}

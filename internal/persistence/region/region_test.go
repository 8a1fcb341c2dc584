package region

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"blockgraph.ai/internal/sim/graph/model"
)

func TestChunkUnloadTimer(t *testing.T) {
	tm := NewChunkUnloadTimer(3)
	c := model.ColumnPos{X: 1, Z: -2}
	tm.OnLoad(c)
	if got := tm.Tick(); len(got) != 0 {
		t.Fatalf("loaded column expired: %v", got)
	}
	tm.OnUnload(c)
	if tm.IsLoaded(c) {
		t.Fatalf("column still loaded after unload")
	}
	for i := 0; i < 2; i++ {
		if got := tm.Tick(); len(got) != 0 {
			t.Fatalf("tick %d: expired early: %v", i, got)
		}
	}
	got := tm.Tick()
	if len(got) != 1 || got[0] != c {
		t.Fatalf("expected %v to expire, got %v", c, got)
	}
	if _, ok := tm.Remaining(c); ok {
		t.Fatalf("expired column still tracked")
	}

	tm.OnUnload(c)
	tm.Tick()
	tm.OnLoad(c)
	for i := 0; i < 5; i++ {
		if got := tm.Tick(); len(got) != 0 {
			t.Fatalf("reloaded column expired: %v", got)
		}
	}
}

func TestChunkPillarUnloadTimerUseResets(t *testing.T) {
	tm := NewChunkPillarUnloadTimer(2)
	c := model.ColumnPos{}
	tm.OnUnload(c)
	tm.Tick()
	tm.OnUse(c)
	if got := tm.Tick(); len(got) != 0 {
		t.Fatalf("used pillar expired: %v", got)
	}
	if got := tm.Tick(); len(got) != 1 {
		t.Fatalf("expected expiry after idle ticks, got %v", got)
	}
}

func TestStoreSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a := model.SectionPos{X: 0, Y: 4, Z: 0}
	b := model.SectionPos{X: 0, Y: -1, Z: 0}
	s.GetOrCreate(a).Add(7)
	s.GetOrCreate(a).Add(3)
	s.GetOrCreate(b).Add(7)
	if !s.GetOrCreate(a).Dirty() {
		t.Fatalf("chunk not dirty after add")
	}
	if err := s.SaveAll(); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	if s.GetOrCreate(a).Dirty() {
		t.Fatalf("chunk still dirty after save")
	}

	h, p, err := ReadPillar(filepath.Join(dir, "regions", "c.0.0.region.zst"))
	if err != nil {
		t.Fatalf("ReadPillar: %v", err)
	}
	if h.Sections != 2 || len(p.Sections) != 2 || p.Sections[0].Y != -1 {
		t.Fatalf("unexpected pillar: %+v %+v", h, p)
	}

	s2, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := s2.GetOrCreate(a).Graphs()
	if len(got) != 2 || got[0] != 3 || got[1] != 7 {
		t.Fatalf("reloaded graphs = %v", got)
	}

	s2.GetOrCreate(a).Remove(3)
	s2.GetOrCreate(a).Remove(7)
	s2.GetOrCreate(b).Remove(7)
	if err := s2.SaveChunk(a); err != nil {
		t.Fatalf("SaveChunk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "regions", "c.0.0.region.zst")); !os.IsNotExist(err) {
		t.Fatalf("empty pillar file should be removed, stat err = %v", err)
	}
}

func TestEvictionSavesFirstAndHonorsPins(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir, ChunkUnloadTicks: 1, PillarUnloadTicks: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	col := model.ColumnPos{X: 2, Z: 3}
	sec := col.Section(0)
	s.OnWorldChunkLoad(col)
	s.GetOrCreate(sec).Add(11)

	pinned := true
	s.Pinned = func(c model.ColumnPos) bool { return pinned && c == col }

	s.OnWorldChunkUnload(col)
	if got := s.UnloadTick(); len(got) != 1 || got[0] != col {
		t.Fatalf("UnloadTick = %v", got)
	}
	for i := 0; i < 4; i++ {
		s.Tick()
	}
	if !s.Cached(col) {
		t.Fatalf("pinned pillar was evicted")
	}

	pinned = false
	s.Tick()
	s.Tick()
	if s.Cached(col) {
		t.Fatalf("pillar not evicted after countdown")
	}
	_, p, err := ReadPillar(filepath.Join(dir, "regions", "c.2.3.region.zst"))
	if err != nil {
		t.Fatalf("evicted pillar was not saved: %v", err)
	}
	if len(p.Sections) != 1 || p.Sections[0].Graphs[0] != 11 {
		t.Fatalf("saved pillar = %+v", p)
	}
}

func TestMemoryStoreNeverEvicts(t *testing.T) {
	s, err := Open(Options{ChunkUnloadTicks: 1, PillarUnloadTicks: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	col := model.ColumnPos{}
	s.GetOrCreate(col.Section(0)).Add(1)
	s.OnWorldChunkUnload(col)
	for i := 0; i < 3; i++ {
		s.Tick()
	}
	if c, ok := s.Get(col.Section(0)); !ok || !c.Has(1) {
		t.Fatalf("memory-only data lost")
	}
}

func TestAsyncLoadReplaysEdits(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	col := model.ColumnPos{X: -1, Z: 0}
	sec := col.Section(2)
	s.GetOrCreate(sec).Add(1)
	s.GetOrCreate(sec).Add(2)
	if err := s.SaveAll(); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	as, err := Open(Options{Dir: dir, Async: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var ready []model.ColumnPos
	as.OnColumnReady = func(c model.ColumnPos) { ready = append(ready, c) }
	as.OnWorldChunkLoad(col)

	ph := as.GetOrCreate(sec)
	if !ph.Loading() {
		t.Fatalf("expected placeholder while loading")
	}
	ph.Add(9)
	ph.Remove(1)
	if len(ready) != 0 {
		t.Fatalf("column reported ready before the read was applied")
	}

	as.Sync()
	if ph.Loading() {
		t.Fatalf("placeholder not resolved by Sync")
	}
	got := ph.Graphs()
	if len(got) != 2 || got[0] != 2 || got[1] != 9 {
		t.Fatalf("resolved graphs = %v", got)
	}
	if !ph.Dirty() {
		t.Fatalf("replayed edits must leave the chunk dirty")
	}
	if len(ready) != 1 || ready[0] != col {
		t.Fatalf("OnColumnReady calls = %v", ready)
	}
	if err := as.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCorruptPillarStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "regions"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "regions", "c.0.0.region.zst"), []byte("junk"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	var buf bytes.Buffer
	s, err := Open(Options{Dir: dir, Logger: log.New(&buf, "", 0)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c := s.GetOrCreate(model.SectionPos{})
	if c.Len() != 0 {
		t.Fatalf("expected empty chunk, got %v", c.Graphs())
	}
	if !strings.Contains(buf.String(), "read failed") {
		t.Fatalf("read failure not logged: %q", buf.String())
	}
}

func TestWriteFailureKeepsDirty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	regions := filepath.Join(dir, "regions")
	if err := os.RemoveAll(regions); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if err := os.WriteFile(regions, []byte("blocker"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c := s.GetOrCreate(model.SectionPos{})
	c.Add(4)
	if err := s.SaveAll(); err == nil {
		t.Fatalf("expected save error")
	}
	if !c.Dirty() {
		t.Fatalf("failed save cleared the dirty flag")
	}

	if err := os.Remove(regions); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.SaveAll(); err != nil {
		t.Fatalf("retry SaveAll: %v", err)
	}
	if c.Dirty() {
		t.Fatalf("chunk still dirty after successful retry")
	}
}

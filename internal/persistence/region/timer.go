package region

import (
	"sort"

	"blockgraph.ai/internal/sim/graph/model"
)

// ChunkUnloadTimer tracks which columns the host world has loaded and counts down, in
// ticks, from the moment a column unloads.
type ChunkUnloadTimer struct {
	timeout   int
	loaded    map[model.ColumnPos]bool
	countdown map[model.ColumnPos]int
}

func NewChunkUnloadTimer(timeout int) *ChunkUnloadTimer {
	if timeout < 1 {
		timeout = 1
	}
	return &ChunkUnloadTimer{
		timeout:   timeout,
		loaded:    map[model.ColumnPos]bool{},
		countdown: map[model.ColumnPos]int{},
	}
}

func (t *ChunkUnloadTimer) Timeout() int { return t.timeout }

func (t *ChunkUnloadTimer) OnLoad(c model.ColumnPos) {
	t.loaded[c] = true
	delete(t.countdown, c)
}

func (t *ChunkUnloadTimer) OnUnload(c model.ColumnPos) {
	delete(t.loaded, c)
	t.countdown[c] = t.timeout
}

func (t *ChunkUnloadTimer) IsLoaded(c model.ColumnPos) bool { return t.loaded[c] }

// Remaining returns the ticks left before c expires.
func (t *ChunkUnloadTimer) Remaining(c model.ColumnPos) (int, bool) {
	n, ok := t.countdown[c]
	return n, ok
}

// Tick advances every countdown by one and returns the columns that expired, sorted.
// Expired columns stop being tracked.
func (t *ChunkUnloadTimer) Tick() []model.ColumnPos {
	var out []model.ColumnPos
	for c, n := range t.countdown {
		n--
		if n <= 0 {
			out = append(out, c)
			delete(t.countdown, c)
			continue
		}
		t.countdown[c] = n
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// ChunkPillarUnloadTimer also restarts the countdown whenever a pillar's data is used,
// so a column the world unloaded but the engine still reads is kept around.
type ChunkPillarUnloadTimer struct {
	ChunkUnloadTimer
}

func NewChunkPillarUnloadTimer(timeout int) *ChunkPillarUnloadTimer {
	return &ChunkPillarUnloadTimer{ChunkUnloadTimer: *NewChunkUnloadTimer(timeout)}
}

func (t *ChunkPillarUnloadTimer) OnUse(c model.ColumnPos) {
	if t.loaded[c] {
		return
	}
	t.countdown[c] = t.timeout
}

// Forget drops every trace of c.
func (t *ChunkPillarUnloadTimer) Forget(c model.ColumnPos) {
	delete(t.loaded, c)
	delete(t.countdown, c)
}

package universe

import "context"

type WorldMetrics struct {
	ID            string
	Graphs        int
	Nodes         int
	LastSeq       uint64
	LoadedColumns int
}

type Metrics struct {
	Tick   uint64
	Worlds []WorldMetrics
}

// Metrics samples every world on the Run loop.
func (u *Universe) Metrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	err := u.Do(ctx, func(u *Universe) error {
		m.Tick = u.tick
		for _, id := range u.WorldIDs() {
			inst := u.worlds[id]
			m.Worlds = append(m.Worlds, WorldMetrics{
				ID:            id,
				Graphs:        len(inst.Graphs.GraphIDs()),
				Nodes:         inst.Graphs.NodeCount(),
				LastSeq:       inst.Graphs.LastSeq(),
				LoadedColumns: len(inst.Blocks.LoadedColumns()),
			})
		}
		return nil
	})
	return m, err
}

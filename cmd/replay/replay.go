package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	persistlog "blockgraph.ai/internal/persistence/log"
	"blockgraph.ai/internal/sim/graph/events"
)

var errStop = errors.New("stop")

type replayStats struct {
	Records uint64
	Skipped uint64
}

// replayFiles folds the records of files, oldest first, into one mirror per world. Records
// of worlds not in only are skipped when only is non-empty. Records past toTick stop the
// replay.
func replayFiles(files []string, dec events.Decoder, only string, toTick uint64) (map[string]*events.Mirror, replayStats, error) {
	mirrors := map[string]*events.Mirror{}
	var st replayStats
	for _, path := range files {
		err := persistlog.ReadRecords(path, func(r events.Record) error {
			if only != "" && r.World != only {
				st.Skipped++
				return nil
			}
			if toTick != 0 && r.Tick > toTick {
				return errStop
			}
			ev, err := events.FromRecord(r, dec)
			if err != nil {
				return fmt.Errorf("world %s seq %d: %w", r.World, r.Seq, err)
			}
			m := mirrors[r.World]
			if m == nil {
				m = events.NewMirror()
				mirrors[r.World] = m
			}
			if err := m.Apply(ev); err != nil {
				return fmt.Errorf("world %s: %w", r.World, err)
			}
			st.Records++
			return nil
		})
		if errors.Is(err, errStop) {
			break
		}
		if err != nil {
			return mirrors, st, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return mirrors, st, nil
}

func sortedWorlds(m map[string]*events.Mirror) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

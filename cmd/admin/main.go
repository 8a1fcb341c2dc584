package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"blockgraph.ai/internal/persistence/graphfile"
	persistlog "blockgraph.ai/internal/persistence/log"
	"blockgraph.ai/internal/persistence/region"
	"blockgraph.ai/internal/sim/graph/events"
	"blockgraph.ai/internal/sim/tuning"
	"blockgraph.ai/internal/sim/universe"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "graphs":
			graphsCmd(os.Args[2:])
			return
		case "graph":
			graphCmd(os.Args[2:])
			return
		case "region":
			regionCmd(os.Args[2:])
			return
		case "events":
			eventsCmd(os.Args[2:])
			return
		case "check":
			checkCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "save":
			saveCmd(os.Args[2:])
			return
		case "metrics":
			metricsCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func worldDir(dataDir, worldID string) string {
	return filepath.Join(dataDir, "worlds", worldID)
}

func fail(code int, args ...any) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(code)
}

func requireWorld(id string) {
	if strings.TrimSpace(id) == "" {
		fail(2, "missing -world")
	}
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "worlds"))
	if err != nil {
		fail(1, "read:", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

func graphsCmd(args []string) {
	fs := flag.NewFlagSet("graphs", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	_ = fs.Parse(args)
	requireWorld(*worldID)

	if err := listGraphs(os.Stdout, worldDir(*dataDir, *worldID)); err != nil {
		fail(1, "graphs:", err)
	}
}

// listGraphs prints the header of every stored graph and the saved id counter.
func listGraphs(w io.Writer, dir string) error {
	files, err := graphfile.Open(dir)
	if err != nil {
		return err
	}
	ids, err := files.List()
	if err != nil {
		return err
	}
	next, err := files.ReadCounter()
	if err != nil {
		return err
	}
	for _, id := range ids {
		h, err := files.ReadHeader(id)
		if err != nil {
			fmt.Fprintf(w, "graph=%d error=%q\n", id, err.Error())
			continue
		}
		fmt.Fprintf(w, "graph=%d nodes=%d links=%d\n", h.GraphID, h.Nodes, h.Links)
	}
	fmt.Fprintf(w, "stored=%d next_id=%d\n", len(ids), next)
	return nil
}

func graphCmd(args []string) {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	_ = fs.Parse(args)
	requireWorld(*worldID)
	if fs.NArg() != 1 {
		fail(2, "usage: admin graph -world <id> <graph id>")
	}
	id, err := strconv.ParseUint(fs.Arg(0), 10, 64)
	if err != nil {
		fail(2, "bad graph id:", err)
	}

	files, err := graphfile.Open(worldDir(*dataDir, *worldID))
	if err != nil {
		fail(1, "open:", err)
	}
	g, err := files.Read(id)
	if err != nil {
		fail(1, "read:", err)
	}
	printJSON(g.Header)
	for _, n := range g.Nodes {
		fmt.Printf("node %d,%d,%d %s %s\n", n.Pos[0], n.Pos[1], n.Pos[2], n.Type, n.Data)
	}
	for _, l := range g.Links {
		a, b := g.Nodes[l.A].Pos, g.Nodes[l.B].Pos
		fmt.Printf("link %d,%d,%d -> %d,%d,%d %s\n", a[0], a[1], a[2], b[0], b[1], b[2], l.KeyType)
	}
	for _, e := range g.Entities {
		fmt.Printf("entity %s %s\n", e.Type, e.Data)
	}
}

func regionCmd(args []string) {
	fs := flag.NewFlagSet("region", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	x := fs.Int("x", 0, "column x")
	z := fs.Int("z", 0, "column z")
	_ = fs.Parse(args)
	requireWorld(*worldID)

	path := filepath.Join(worldDir(*dataDir, *worldID), "regions", fmt.Sprintf("c.%d.%d.region.zst", *x, *z))
	h, p, err := region.ReadPillar(path)
	if err != nil {
		fail(1, "read:", err)
	}
	printJSON(h)
	for _, s := range p.Sections {
		fmt.Printf("section y=%d graphs=%v\n", s.Y, s.Graphs)
	}
}

func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id filter (optional)")
	graph := fs.Uint64("graph", 0, "graph id filter (optional)")
	kind := fs.String("kind", "", "event kind filter (optional)")
	limit := fs.Int("limit", 0, "stop after this many records (optional)")
	_ = fs.Parse(args)

	files, err := persistlog.EventFiles(*dataDir)
	if err != nil {
		fail(1, "list events:", err)
	}
	n := 0
	enc := json.NewEncoder(os.Stdout)
	for _, path := range files {
		err := persistlog.ReadRecords(path, func(r events.Record) error {
			if *worldID != "" && r.World != *worldID {
				return nil
			}
			if *graph != 0 && r.Graph != *graph && r.From != *graph {
				return nil
			}
			if *kind != "" && r.Kind != *kind {
				return nil
			}
			if *limit > 0 && n >= *limit {
				return io.EOF
			}
			n++
			return enc.Encode(r)
		})
		if err == io.EOF {
			break
		}
		if err != nil {
			fail(1, "read:", err)
		}
	}
}

func checkCmd(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory (server must be stopped)")
	tuningPath := fs.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
	_ = fs.Parse(args)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		fail(1, "load tuning:", err)
	}
	ok, err := checkUniverse(os.Stdout, *dataDir, tune)
	if err != nil {
		fail(1, "check:", err)
	}
	if !ok {
		os.Exit(1)
	}
}

// checkUniverse pages in every column that holds blocks and verifies the graph invariants
// of each world.
func checkUniverse(w io.Writer, dataDir string, tune tuning.Tuning) (bool, error) {
	u, err := universe.Open(universe.Options{Dir: dataDir, Tuning: tune})
	if err != nil {
		return false, err
	}
	ok := true
	for _, id := range u.WorldIDs() {
		inst, _ := u.World(id)
		for _, c := range inst.Blocks.Columns() {
			inst.Blocks.LoadColumn(c)
		}
		inst.Graphs.Region().Sync()
		if err := inst.Graphs.Check(); err != nil {
			ok = false
			fmt.Fprintf(w, "world=%s FAIL %v\n", id, err)
			continue
		}
		fmt.Fprintf(w, "world=%s ok graphs=%d nodes=%d\n", id, len(inst.Graphs.GraphIDs()), inst.Graphs.NodeCount())
	}
	return ok, u.Close()
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}

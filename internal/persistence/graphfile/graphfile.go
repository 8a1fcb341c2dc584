// Package graphfile stores one file per graph under <dir>/graphs and the world's id counter
// under <dir>/world.json.
package graphfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"blockgraph.ai/internal/persistence/snapshot"
)

const (
	Version    = 1
	fileSuffix = ".graph.zst"
)

type Header struct {
	Version int    `json:"version"`
	World   string `json:"world"`
	GraphID uint64 `json:"graph_id"`
	Nodes   int    `json:"nodes"`
	Links   int    `json:"links"`
}

type GraphV1 struct {
	Header Header

	Nodes    []NodeV1
	Links    []LinkV1
	Entities []EntityV1
}

// NodeV1 is a node and its optional entity. Entity is empty when the node type has none.
type NodeV1 struct {
	Pos    [3]int
	Type   string
	Data   []byte
	Entity []byte
}

// LinkV1 references its endpoints by index into GraphV1.Nodes.
type LinkV1 struct {
	A, B    int
	KeyType string
	KeyData []byte
	Entity  []byte
}

type EntityV1 struct {
	Type string
	Data []byte
}

type counterV1 struct {
	Version     int    `json:"version"`
	NextGraphID uint64 `json:"next_graph_id"`
}

// Store is safe to use as a nil pointer: writes are dropped and reads find nothing.
type Store struct {
	dir string
}

func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Join(dir, "graphs"), 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	if s == nil {
		return ""
	}
	return s.dir
}

func (s *Store) path(id uint64) string {
	return filepath.Join(s.dir, "graphs", strconv.FormatUint(id, 10)+fileSuffix)
}

func (s *Store) Write(g GraphV1) error {
	if s == nil {
		return nil
	}
	if g.Header.GraphID == 0 {
		return errors.New("graphfile: graph id 0")
	}
	g.Header.Version = Version
	g.Header.Nodes = len(g.Nodes)
	g.Header.Links = len(g.Links)
	return snapshot.Write(s.path(g.Header.GraphID), g.Header, g)
}

func (s *Store) Read(id uint64) (GraphV1, error) {
	var g GraphV1
	if s == nil {
		return g, os.ErrNotExist
	}
	if err := snapshot.Read(s.path(id), nil, &g); err != nil {
		return GraphV1{}, err
	}
	if g.Header.Version != Version {
		return GraphV1{}, fmt.Errorf("graphfile: unsupported version %d", g.Header.Version)
	}
	if g.Header.GraphID != id {
		return GraphV1{}, fmt.Errorf("graphfile: file for %d holds graph %d", id, g.Header.GraphID)
	}
	return g, nil
}

func (s *Store) ReadHeader(id uint64) (Header, error) {
	var h Header
	if s == nil {
		return h, os.ErrNotExist
	}
	err := snapshot.ReadHeader(s.path(id), &h)
	return h, err
}

// Delete removes the graph's file. Deleting a missing graph is not an error.
func (s *Store) Delete(id uint64) error {
	if s == nil {
		return nil
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the ids of all stored graphs in ascending order.
func (s *Store) List() ([]uint64, error) {
	if s == nil {
		return nil, nil
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, "graphs"))
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, fileSuffix), 10, 64)
		if err != nil || id == 0 {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) WriteCounter(next uint64) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(counterV1{Version: Version, NextGraphID: next})
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, "world.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadCounter returns 0 with no error when no counter has been written yet.
func (s *Store) ReadCounter() (uint64, error) {
	if s == nil {
		return 0, nil
	}
	b, err := os.ReadFile(filepath.Join(s.dir, "world.json"))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var c counterV1
	if err := json.Unmarshal(b, &c); err != nil {
		return 0, fmt.Errorf("graphfile: counter: %w", err)
	}
	return c.NextGraphID, nil
}

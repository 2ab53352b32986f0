// Package snapshot dumps the active quadtree of a sphere for offline inspection.
//
// A snapshot file is a zstd stream holding one JSON header line followed by the JSON
// body. The header can be read without decoding the body.
package snapshot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/segmentio/encoding/json"

	"github.com/Faultbox/quadsphere/internal/config"
	"github.com/Faultbox/quadsphere/internal/engine/quadtree"
	"github.com/Faultbox/quadsphere/internal/engine/terrain"
)

// Version is the snapshot format written by this package.
const Version = 1

// ErrVersion is returned for snapshots of an unknown format version.
var ErrVersion = errors.New("unsupported snapshot version")

// Header identifies the sphere a snapshot was taken from.
type Header struct {
	Version    int       `json:"version"`
	SphereID   string    `json:"sphere_id"`
	Created    time.Time `json:"created"`
	Radius     float64   `json:"radius"`
	SideLength int       `json:"side_length"`
	Quads      int       `json:"quads"`
}

// NodeV1 is one active quad. Node references are IDs; -1 means none.
type NodeV1 struct {
	ID        int    `json:"id"`
	Parent    int    `json:"parent"`
	Face      int    `json:"face"`
	Depth     int    `json:"depth"`
	Corner    int    `json:"corner"`
	Neighbors [4]int `json:"neighbors"`
	Children  [4]int `json:"children"`

	Subdivided      bool `json:"subdivided,omitempty"`
	Built           bool `json:"built,omitempty"`
	Visible         bool `json:"visible,omitempty"`
	PendingCollapse bool `json:"pending_collapse,omitempty"`

	Distance  float64 `json:"distance"`
	EdgeState uint8   `json:"edge_state,omitempty"`
	MinHeight float64 `json:"min_height,omitempty"`
	MaxHeight float64 `json:"max_height,omitempty"`
}

// SnapshotV1 is the decoded snapshot.
type SnapshotV1 struct {
	Header Header   `json:"header"`
	Nodes  []NodeV1 `json:"nodes"`
}

// Capture records every active node of tree.
func Capture(id uuid.UUID, cfg config.SphereConfig, tree *quadtree.Tree, now time.Time) SnapshotV1 {
	snap := SnapshotV1{
		Header: Header{
			Version:    Version,
			SphereID:   id.String(),
			Created:    now.UTC(),
			Radius:     cfg.Radius,
			SideLength: cfg.SideLength,
		},
	}
	tree.Walk(func(n *quadtree.Node) bool {
		snap.Nodes = append(snap.Nodes, capture(n))
		return true
	})
	snap.Header.Quads = len(snap.Nodes)
	return snap
}

func capture(n *quadtree.Node) NodeV1 {
	ref := func(m *quadtree.Node) int {
		if m == nil {
			return -1
		}
		return m.ID
	}
	out := NodeV1{
		ID:              n.ID,
		Parent:          ref(n.Parent()),
		Face:            n.Face(),
		Depth:           n.Depth(),
		Corner:          n.Corner(),
		Subdivided:      n.IsSubdivided(),
		Built:           n.IsBuilt(),
		Visible:         n.IsVisible(),
		PendingCollapse: n.IsPendingCollapse(),
		Distance:        n.Distance(),
		EdgeState:       n.EdgeState(),
	}
	for _, d := range terrain.Edges {
		out.Neighbors[d] = ref(n.Neighbor(d))
	}
	for c := range out.Children {
		out.Children[c] = ref(n.Child(c))
	}
	if m := n.Mesh(); m != nil {
		out.MinHeight, out.MaxHeight = m.MinHeight, m.MaxHeight
	}
	return out
}

// Write encodes snap to w.
func Write(w io.Writer, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(snap.Header)
	if err != nil {
		enc.Close()
		return fmt.Errorf("encode header: %w", err)
	}
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		enc.Close()
		return err
	}
	if err := json.NewEncoder(bw).Encode(snap.Nodes); err != nil {
		enc.Close()
		return fmt.Errorf("encode nodes: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// Read decodes a snapshot written by Write.
func Read(r io.Reader) (SnapshotV1, error) {
	var snap SnapshotV1
	dec, err := zstd.NewReader(r)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	if snap.Header, err = readHeader(br); err != nil {
		return snap, err
	}
	if err := json.NewDecoder(br).Decode(&snap.Nodes); err != nil {
		return snap, fmt.Errorf("decode nodes: %w", err)
	}
	return snap, nil
}

// ReadHeader decodes only the header of a snapshot.
func ReadHeader(r io.Reader) (Header, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return Header{}, err
	}
	defer dec.Close()
	return readHeader(bufio.NewReader(dec))
}

func readHeader(br *bufio.Reader) (Header, error) {
	var h Header
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	return h, nil
}

// WriteFile writes snap to path, creating parent directories.
func WriteFile(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Write(f, snap); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads a snapshot from path.
func ReadFile(path string) (SnapshotV1, error) {
	f, err := os.Open(path)
	if err != nil {
		return SnapshotV1{}, err
	}
	defer f.Close()
	return Read(f)
}

package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	manifestFile    = "MANIFEST"
	manifestVersion = 1
)

// Manifest lists the live segments. Every change is written to a temporary
// file and renamed over the previous manifest.
type Manifest struct {
	mu       sync.RWMutex
	fs       afero.Fs
	filePath string
	metadata ManifestData
}

type ManifestData struct {
	Version        int           `json:"version"`
	NextSegmentID  uint64        `json:"next_segment_id"`
	Segments       []SegmentInfo `json:"segments"`
	PersistentSeqN uint64        `json:"persistent_seqn"`
}

// SegmentInfo describes a segment file. Segments are listed oldest first.
type SegmentInfo struct {
	ID      uint64 `json:"id"`
	File    string `json:"file"`
	Records uint64 `json:"records"`
	Size    int64  `json:"size"`
	MaxSeqN uint64 `json:"max_seqn"`
}

func NewManifest(fsys afero.Fs, dataDir string) *Manifest {
	return &Manifest{
		fs:       fsys,
		filePath: filepath.Join(dataDir, manifestFile),
		metadata: ManifestData{
			Version:       manifestVersion,
			NextSegmentID: 1,
		},
	}
}

// Load reads the manifest, creating it if it does not exist yet.
func (m *Manifest) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := afero.ReadFile(m.fs, m.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return m.save()
	}
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	var md ManifestData
	if err := json.Unmarshal(data, &md); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	if md.Version != manifestVersion {
		return fmt.Errorf("unsupported manifest version %d", md.Version)
	}
	m.metadata = md

	return nil
}

func (m *Manifest) save() error {
	data, err := json.MarshalIndent(m.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp := m.filePath + ".tmp-" + uuid.NewString()
	f, err := m.fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = m.fs.Rename(tmp, m.filePath)
	}
	if err != nil {
		_ = m.fs.Remove(tmp)
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

// NextSegmentID reserves a segment id. Reserved ids are persisted with the
// next change.
func (m *Manifest) NextSegmentID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.metadata.NextSegmentID
	m.metadata.NextSegmentID++
	return id
}

func (m *Manifest) AddSegment(info SegmentInfo) error {
	return m.ReplaceSegments(nil, &info)
}

// ReplaceSegments removes the segments with the given ids and appends
// added, if any, in a single manifest write. On failure the in-memory
// state is left unchanged.
func (m *Manifest) ReplaceSegments(removed []uint64, added *SegmentInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.metadata
	segs := slices.DeleteFunc(slices.Clone(prev.Segments), func(s SegmentInfo) bool {
		return slices.Contains(removed, s.ID)
	})

	next := prev
	if added != nil {
		// compacted segments replace older data and go first
		if len(removed) > 0 {
			segs = slices.Insert(segs, 0, *added)
		} else {
			segs = append(segs, *added)
		}
		next.PersistentSeqN = max(next.PersistentSeqN, added.MaxSeqN)
		next.NextSegmentID = max(next.NextSegmentID, added.ID+1)
	}
	next.Segments = segs

	m.metadata = next
	if err := m.save(); err != nil {
		m.metadata = prev
		return err
	}
	return nil
}

func (m *Manifest) Segments() []SegmentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.metadata.Segments)
}

// PersistentSeqN is the highest sequence number ever persisted.
func (m *Manifest) PersistentSeqN() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.metadata.PersistentSeqN
}

func (m *Manifest) TotalSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, s := range m.metadata.Segments {
		total += s.Size
	}
	return total
}

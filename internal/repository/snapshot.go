package repository

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/tatianab/nearfield/internal/models"
)

// snapshotVersion is bumped when the encoded layout changes incompatibly.
const snapshotVersion = 1

// Snapshot is the full persisted state of the repository.
type Snapshot struct {
	Version   int                                `yaml:"version"`
	Stories   map[string]models.StoryInstance    `yaml:"stories"`
	Scenes    map[string]models.SceneInstance    `yaml:"scenes"`
	NPCs      map[string]models.NPCInstance      `yaml:"npcs"`
	Clues     map[string]models.ClueRecord       `yaml:"clues"`
	Generated map[string]models.GeneratedContent `yaml:"generated"`
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Version:   snapshotVersion,
		Stories:   make(map[string]models.StoryInstance),
		Scenes:    make(map[string]models.SceneInstance),
		NPCs:      make(map[string]models.NPCInstance),
		Clues:     make(map[string]models.ClueRecord),
		Generated: make(map[string]models.GeneratedContent),
	}
}

// fill replaces nil maps left by decoding an older or partial snapshot.
func (s *Snapshot) fill() {
	if s.Stories == nil {
		s.Stories = make(map[string]models.StoryInstance)
	}
	if s.Scenes == nil {
		s.Scenes = make(map[string]models.SceneInstance)
	}
	if s.NPCs == nil {
		s.NPCs = make(map[string]models.NPCInstance)
	}
	if s.Clues == nil {
		s.Clues = make(map[string]models.ClueRecord)
	}
	if s.Generated == nil {
		s.Generated = make(map[string]models.GeneratedContent)
	}
}

// SnapshotStore persists encoded snapshots. Load returns nil data and a nil
// error when nothing has been saved yet.
type SnapshotStore interface {
	Save(ctx context.Context, data []byte) error
	Load(ctx context.Context) ([]byte, error)
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil)
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil)
	})
	return decoder
}

// EncodeSnapshot renders s as YAML, zstd-compressed when compress is set.
func EncodeSnapshot(s *Snapshot, compress bool) ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if !compress {
		return data, nil
	}
	return zstdEncoder().EncodeAll(data, nil), nil
}

// DecodeSnapshot accepts both compressed and plain encodings.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := zstdDecoder().DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress snapshot: %w", err)
		}
		data = plain
	}
	s := newSnapshot()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if s.Version > snapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported %d", s.Version, snapshotVersion)
	}
	s.fill()
	return s, nil
}

// MemoryStore keeps the last saved snapshot in memory.
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func (m *MemoryStore) Save(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = bytes.Clone(data)
	m.saves++
	return nil
}

func (m *MemoryStore) Load(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.data), nil
}

// Saves reports how many snapshots have been written.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// FileStore writes snapshots to <dir>/<name>/snapshot.yaml, or
// snapshot.yaml.zst when the data is compressed.
type FileStore struct {
	dir string
}

func NewFileStore(saveDir, name string) *FileStore {
	return &FileStore{dir: filepath.Join(saveDir, name)}
}

func (f *FileStore) plainPath() string      { return filepath.Join(f.dir, "snapshot.yaml") }
func (f *FileStore) compressedPath() string { return filepath.Join(f.dir, "snapshot.yaml.zst") }

func (f *FileStore) Save(_ context.Context, data []byte) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("create save dir: %w", err)
	}

	path, stale := f.plainPath(), f.compressedPath()
	if bytes.HasPrefix(data, zstdMagic) {
		path, stale = stale, path
	}

	// Write to a temp file and rename so a crash never leaves half a snapshot.
	tmp, err := os.CreateTemp(f.dir, "snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename snapshot: %w", err)
	}
	if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}
	return nil
}

func (f *FileStore) Load(_ context.Context) ([]byte, error) {
	for _, p := range []string{f.compressedPath(), f.plainPath()} {
		data, err := os.ReadFile(p)
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
	}
	return nil, nil
}

// ListSaves returns the names of saves under saveDir that hold a snapshot.
func ListSaves(saveDir string) ([]string, error) {
	if _, err := os.Stat(saveDir); os.IsNotExist(err) {
		return []string{}, nil
	}

	entries, err := os.ReadDir(saveDir)
	if err != nil {
		return nil, err
	}

	var saves []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		store := NewFileStore(saveDir, entry.Name())
		for _, p := range []string{store.plainPath(), store.compressedPath()} {
			if _, err := os.Stat(p); err == nil {
				saves = append(saves, entry.Name())
				break
			}
		}
	}
	return saves, nil
}

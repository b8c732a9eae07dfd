package positions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fundingfarmer/src/model"
)

// Persister is the durability boundary: the manager saves on every mutation
// and loads once at startup. Implementations must make a completed save
// crash-safe; a crash between mutation and save may lose that mutation.
type Persister interface {
	SaveState(positions map[string]*model.Position, lastUpdated time.Time) error
	SaveTrades(trades []*model.Position) error
	Load() (map[string]*model.Position, []*model.Position, error)
}

const (
	stateFile  = "state.json"
	tradesFile = "trades.json"
)

// stateDocument is the stable on-disk layout of state.json.
type stateDocument struct {
	Positions   map[string]*model.Position `json:"positions"`
	LastUpdated time.Time                  `json:"last_updated"`
}

// FilePersister keeps state.json and trades.json in a data directory.
// Writes go through a temp file and rename so a crash mid-write never
// corrupts the previous snapshot.
type FilePersister struct {
	dir string
}

func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir %s is not usable: %w", dir, err)
	}
	return &FilePersister{dir: dir}, nil
}

func (f *FilePersister) SaveState(positions map[string]*model.Position, lastUpdated time.Time) error {
	doc := stateDocument{Positions: positions, LastUpdated: lastUpdated}
	return f.writeAtomic(stateFile, doc)
}

func (f *FilePersister) SaveTrades(trades []*model.Position) error {
	if trades == nil {
		trades = []*model.Position{}
	}
	return f.writeAtomic(tradesFile, trades)
}

func (f *FilePersister) Load() (map[string]*model.Position, []*model.Position, error) {
	positions := make(map[string]*model.Position)
	var trades []*model.Position

	raw, err := os.ReadFile(filepath.Join(f.dir, stateFile))
	switch {
	case err == nil:
		var doc stateDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, nil, fmt.Errorf("corrupt %s: %w", stateFile, err)
		}
		for id, pos := range doc.Positions {
			pos.Normalize()
			positions[id] = pos
		}
	case os.IsNotExist(err):
		// first run
	default:
		return nil, nil, err
	}

	raw, err = os.ReadFile(filepath.Join(f.dir, tradesFile))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &trades); err != nil {
			return nil, nil, fmt.Errorf("corrupt %s: %w", tradesFile, err)
		}
		for _, pos := range trades {
			pos.Normalize()
		}
	case os.IsNotExist(err):
	default:
		return nil, nil, err
	}

	return positions, trades, nil
}

func (f *FilePersister) writeAtomic(name string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, name+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(f.dir, name))
}

// MemoryPersister backs tests and keeps the last saved snapshots readable.
type MemoryPersister struct {
	Positions map[string]*model.Position
	Trades    []*model.Position
	SaveCount int
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{Positions: make(map[string]*model.Position)}
}

func (m *MemoryPersister) SaveState(positions map[string]*model.Position, _ time.Time) error {
	snapshot := make(map[string]*model.Position, len(positions))
	for id, pos := range positions {
		snapshot[id] = pos.Clone()
	}
	m.Positions = snapshot
	m.SaveCount++
	return nil
}

func (m *MemoryPersister) SaveTrades(trades []*model.Position) error {
	snapshot := make([]*model.Position, 0, len(trades))
	for _, pos := range trades {
		snapshot = append(snapshot, pos.Clone())
	}
	m.Trades = snapshot
	m.SaveCount++
	return nil
}

func (m *MemoryPersister) Load() (map[string]*model.Position, []*model.Position, error) {
	return m.Positions, m.Trades, nil
}

package checkpoints

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when another process holds the run directory.
var ErrLocked = errors.New("checkpoints: run directory is locked")

const (
	latestName = "checkpoint"
	bestName   = "model_best"
	lockName   = ".lock"
)

// ManagerConfig configures checkpoint saving behavior
type ManagerConfig struct {
	Directory   string           // Run directory holding the checkpoints
	Format      CheckpointFormat // JSON or Proto
	LockTimeout time.Duration    // How long Lock waits for another run
}

// DefaultManagerConfig returns a sensible default configuration
func DefaultManagerConfig(dir string) ManagerConfig {
	return ManagerConfig{
		Directory:   dir,
		Format:      FormatJSON,
		LockTimeout: 2 * time.Second,
	}
}

// Manager persists the latest checkpoint of a run and a copy of the best one.
// Both files are replaced atomically, so a reader never sees a partial
// write.
type Manager struct {
	config ManagerConfig
	lock   *fileLock
}

// NewManager creates a manager for a run directory.
func NewManager(config ManagerConfig) *Manager {
	return &Manager{config: config}
}

// Directory returns the run directory.
func (m *Manager) Directory() string { return m.config.Directory }

// LatestPath is the path of the most recent checkpoint.
func (m *Manager) LatestPath() string {
	return filepath.Join(m.config.Directory, latestName+"."+m.config.Format.Extension())
}

// BestPath is the path of the best checkpoint.
func (m *Manager) BestPath() string {
	return filepath.Join(m.config.Directory, bestName+"."+m.config.Format.Extension())
}

// Lock takes an exclusive lock on the run directory, creating it if needed.
func (m *Manager) Lock() error {
	if m.lock != nil {
		return nil
	}
	if err := os.MkdirAll(m.config.Directory, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	l, err := newFileLock(filepath.Join(m.config.Directory, lockName), m.config.LockTimeout)
	if err != nil {
		return err
	}
	if err := l.Lock(); err != nil {
		l.Unlock()
		return err
	}
	m.lock = l
	return nil
}

// Unlock releases the run directory lock.
func (m *Manager) Unlock() error {
	if m.lock == nil {
		return nil
	}
	err := m.lock.Unlock()
	m.lock = nil
	return err
}

// Save writes ckpt as the latest checkpoint. When isBest is set the same
// bytes also replace the best checkpoint.
func (m *Manager) Save(ckpt *Checkpoint, isBest bool) error {
	if err := os.MkdirAll(m.config.Directory, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	data, err := Encode(ckpt, m.config.Format)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(m.LatestPath(), data); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if isBest {
		if err := writeFileAtomic(m.BestPath(), data); err != nil {
			return fmt.Errorf("failed to save best checkpoint: %w", err)
		}
	}
	return nil
}

// Load reads a checkpoint. A directory resolves to the best checkpoint inside
// it. The format follows the file extension.
func (m *Manager) Load(path string) (*Checkpoint, error) {
	return Load(path)
}

// Load reads the checkpoint at path. A directory resolves to the best
// checkpoint inside it, trying each known format.
func Load(path string) (*Checkpoint, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat checkpoint: %w", err)
	}
	if info.IsDir() {
		resolved, err := resolveBest(path)
		if err != nil {
			return nil, err
		}
		path = resolved
	}

	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	return Decode(data, format)
}

func resolveBest(dir string) (string, error) {
	for _, f := range []CheckpointFormat{FormatJSON, FormatProto} {
		p := filepath.Join(dir, bestName+"."+f.Extension())
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: no %s file in %s", ErrCheckpointNotFound, bestName, dir)
}

// writeFileAtomic writes data to a temporary file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

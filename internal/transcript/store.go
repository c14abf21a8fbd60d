package transcript

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"pkt.systems/pslog"
	"pkt.systems/senseng/schema"
)

// Store persists transcript snapshots to a directory, one file per engine.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a store at dir.
func NewStore(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("transcript directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("transcript_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads the snapshot saved for engine. The boolean is false when none exists.
func (s *Store) Load(engine schema.EngineID) (Snapshot, bool, error) {
	snapshot, err := ReadFile(s.path(engine))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.debug("transcript load miss", "engine", engine)
			return Snapshot{}, false, nil
		}
		s.warn("transcript load failed", "engine", engine, "err", err)
		return Snapshot{}, false, err
	}
	s.debug("transcript load ok", "engine", engine, "outputs", len(snapshot.Outputs))
	return snapshot, true, nil
}

// Save writes the snapshot for its engine.
func (s *Store) Save(snapshot Snapshot) error {
	if err := WriteFile(s.path(snapshot.Engine), snapshot); err != nil {
		s.warn("transcript save failed", "engine", snapshot.Engine, "err", err)
		return err
	}
	if s.log != nil {
		s.log.Trace("transcript save ok", "engine", snapshot.Engine, "outputs", len(snapshot.Outputs))
	}
	return nil
}

func (s *Store) path(engine schema.EngineID) string {
	name := sanitize(string(engine))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
}

func (s *Store) debug(msg string, kv ...any) {
	if s.log != nil {
		s.log.Debug(msg, kv...)
	}
}

func (s *Store) warn(msg string, kv ...any) {
	if s.log != nil {
		s.log.Warn(msg, kv...)
	}
}

// ReadFile decodes a snapshot file.
func ReadFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// WriteFile atomically replaces path with the snapshot.
func WriteFile(path string, snapshot Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "transcript-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Package manifest handles marrow.toml configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/chazu/marrow/vm"
)

// FileName is the configuration file looked for by FindAndLoad.
const FileName = "marrow.toml"

// Manifest represents a marrow.toml configuration.
type Manifest struct {
	Project     Project     `toml:"project" json:"project"`
	Methods     Methods     `toml:"methods" json:"methods"`
	Interpreter Interpreter `toml:"interpreter" json:"interpreter"`
	Scheduler   Scheduler   `toml:"scheduler" json:"scheduler"`
	Snapshot    Snapshot    `toml:"snapshot" json:"snapshot"`
	Log         Log         `toml:"log" json:"log"`

	// Dir is the directory containing the marrow.toml file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// Project contains project metadata.
type Project struct {
	Name string `toml:"name" json:"name"`
}

// Methods configures where method files live.
type Methods struct {
	Dirs  []string `toml:"dirs" json:"dirs"`
	Entry string   `toml:"entry" json:"entry"`
}

// Interpreter holds the interpreter tunables.
type Interpreter struct {
	InterruptCheckInterval int    `toml:"interrupt-check-interval" json:"interruptCheckInterval"`
	MaxDepth               int    `toml:"max-depth" json:"maxDepth"`
	MethodHotThreshold     uint64 `toml:"method-hot-threshold" json:"methodHotThreshold"`
	BlockHotThreshold      uint64 `toml:"block-hot-threshold" json:"blockHotThreshold"`
	LoopHotThreshold       uint64 `toml:"loop-hot-threshold" json:"loopHotThreshold"`
	// TimeSlice preempts a process every n interrupt polls; 0 never does.
	TimeSlice uint64 `toml:"time-slice" json:"timeSlice"`
}

// Scheduler configures the round-robin scheduler.
type Scheduler struct {
	Workers int `toml:"workers" json:"workers"`
}

// Snapshot configures the snapshot store.
type Snapshot struct {
	Database string `toml:"database" json:"database"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	File      string `toml:"file" json:"file"`
}

// Default returns the configuration used when no marrow.toml exists.
func Default() *Manifest {
	cfg := vm.DefaultConfig()
	return &Manifest{
		Methods: Methods{Dirs: []string{"methods"}},
		Interpreter: Interpreter{
			InterruptCheckInterval: cfg.InterruptCheckInterval,
			MaxDepth:               cfg.MaxDepth,
			MethodHotThreshold:     cfg.MethodHotThreshold,
			BlockHotThreshold:      cfg.BlockHotThreshold,
			LoopHotThreshold:       cfg.LoopHotThreshold,
		},
		Scheduler: Scheduler{Workers: 1},
		Snapshot:  Snapshot{Database: "marrow.db"},
	}
}

// Load parses a marrow.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses the configuration file at path. Keys missing from the
// file keep their defaults, so an explicit zero is honoured.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	md, err := toml.Decode(string(data), m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q in %s", undecoded[0].String(), path)
	}

	m.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	if len(m.Methods.Dirs) == 0 {
		m.Methods.Dirs = []string{"methods"}
	}

	if err := Validate(m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a marrow.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// VMConfig converts the interpreter section into a vm.Config.
func (m *Manifest) VMConfig() vm.Config {
	return vm.Config{
		InterruptCheckInterval: m.Interpreter.InterruptCheckInterval,
		MaxDepth:               m.Interpreter.MaxDepth,
		MethodHotThreshold:     m.Interpreter.MethodHotThreshold,
		BlockHotThreshold:      m.Interpreter.BlockHotThreshold,
		LoopHotThreshold:       m.Interpreter.LoopHotThreshold,
	}
}

// MethodDirPaths returns absolute paths for the configured method directories.
func (m *Manifest) MethodDirPaths() []string {
	var paths []string
	for _, d := range m.Methods.Dirs {
		if filepath.IsAbs(d) {
			paths = append(paths, d)
			continue
		}
		paths = append(paths, filepath.Join(m.Dir, d))
	}
	return paths
}

// SnapshotPath returns the snapshot database path, resolved against Dir.
func (m *Manifest) SnapshotPath() string {
	db := m.Snapshot.Database
	if db == ":memory:" || filepath.IsAbs(db) {
		return db
	}
	return filepath.Join(m.Dir, db)
}

package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"archr/internal/stage"
)

// Stage outcomes in a run record.
const (
	StatusPending = "pending"
	StatusSkipped = "skipped"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

// StageRecord is the outcome of one stage.
type StageRecord struct {
	Name     stage.Name    `yaml:"name"`
	Status   string        `yaml:"status"`
	Started  time.Time     `yaml:"started,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty"`
	Artifact string        `yaml:"artifact,omitempty"`
	Error    string        `yaml:"error,omitempty"`
}

// Run is the persisted record of one pipeline invocation.
type Run struct {
	ID       string        `yaml:"id"`
	Started  time.Time     `yaml:"started"`
	Finished time.Time     `yaml:"finished,omitempty"`
	Device   string        `yaml:"device"`
	Profile  string        `yaml:"profile"`
	Arch     string        `yaml:"arch"`
	Resume   bool          `yaml:"resume"`
	Force    bool          `yaml:"force"`
	Stages   []StageRecord `yaml:"stages"`
	Error    string        `yaml:"error,omitempty"`

	dir string
}

// RecordPath and LogPath locate the files of run id under dir.
func RecordPath(dir, id string) string { return filepath.Join(dir, id+".yaml") }
func LogPath(dir, id string) string    { return filepath.Join(dir, id+".log") }

func (r *Run) stage(name stage.Name) *StageRecord {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// Failed returns the first failed stage, if any.
func (r *Run) Failed() (StageRecord, bool) {
	for _, s := range r.Stages {
		if s.Status == StatusFailed {
			return s, true
		}
	}
	return StageRecord{}, false
}

// save rewrites the record atomically.
func (r *Run) save() error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	path := RecordPath(r.dir, r.ID)
	tmp := path + ".partial"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadRun reads a run record.
func LoadRun(dir, id string) (*Run, error) {
	data, err := os.ReadFile(RecordPath(dir, id))
	if err != nil {
		return nil, err
	}
	var r Run
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse run %s: %w", id, err)
	}
	r.dir = dir
	return &r, nil
}

// ListRuns returns the recorded runs in dir, newest first.
func ListRuns(dir string) ([]*Run, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var runs []*Run
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".yaml")
		if !ok || e.IsDir() {
			continue
		}
		r, err := LoadRun(dir, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Started.After(runs[j].Started) })
	return runs, nil
}

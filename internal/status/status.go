// Package status persists the supervisor's lifecycle state to a single
// JSON document, overwritten atomically at each transition (started,
// finished) so a reader never observes a half-written file.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mlgridengine/supervisor/internal/childrunner"
)

// Executor describes where the HTTP surface for this run is listening.
type Executor struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

// Document is the persisted status file's JSON shape.
type Document struct {
	Status     string    `json:"status"`
	Executor   Executor  `json:"executor"`
	ExitCode   *int      `json:"exitCode,omitempty"`
	ExitSignal *int      `json:"exitSignal,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Persister writes Documents to a fixed path, one overwrite per
// lifecycle transition.
type Persister struct {
	path string
}

// New returns a Persister for path. An empty path makes every write a
// no-op, so callers don't need to branch on whether persistence was
// requested.
func New(path string) *Persister {
	return &Persister{path: path}
}

// WriteStarted persists a "running" document as soon as the child and
// its server are both up.
func (p *Persister) WriteStarted(hostname string, port int, startedAt time.Time) error {
	return p.write(Document{
		Status:    "running",
		Executor:  Executor{Hostname: hostname, Port: port},
		StartedAt: startedAt,
	})
}

// WriteFinished persists the terminal document once the child has
// reached one of ChildRunner's terminal states.
func (p *Persister) WriteFinished(hostname string, port int, startedAt, finishedAt time.Time, status childrunner.Status, exitCode int, exitSignal int) error {
	doc := Document{
		Status:     status.String(),
		Executor:   Executor{Hostname: hostname, Port: port},
		StartedAt:  startedAt,
		FinishedAt: &finishedAt,
	}
	switch status {
	case childrunner.StatusExited:
		doc.ExitCode = &exitCode
	case childrunner.StatusSignalled:
		doc.ExitSignal = &exitSignal
	}
	return p.write(doc)
}

// write serializes doc and replaces the persisted file atomically: write
// to a temp file in the same directory, fsync, then rename over the
// target. A direct os.WriteFile would leave a reader able to observe a
// truncated file mid-write; rename within one filesystem is atomic.
func (p *Persister) write(doc Document) error {
	if p.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("status: marshal: %w", err)
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return fmt.Errorf("status: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("status: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("status: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("status: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, p.path); err != nil {
		return fmt.Errorf("status: rename into place: %w", err)
	}
	return nil
}

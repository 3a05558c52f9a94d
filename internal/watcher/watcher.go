// Package watcher polls a work directory for a fixed set of generated
// JSON files and emits one event per file whose content has changed
// since the last poll. It runs a ticker-driven background loop behind
// a single-use Start/Stop pair, guarded by a stopChan/done pair.
package watcher

import (
	"crypto/sha256"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultInterval is the poll period used when none is configured.
const DefaultInterval = 250 * time.Millisecond

// FileEvent is emitted when a watched file's content changes.
type FileEvent struct {
	Tag  string
	Data any
}

// knownFiles maps filename to tag, in the exact order they're polled
// each tick. An orderedmap keeps that order deterministic regardless of
// insertion path: config, defConfig, result, webUI.
func knownFiles() *orderedmap.OrderedMap[string, string] {
	m := orderedmap.New[string, string]()
	m.Set("config.json", "config")
	m.Set("config.defaults.json", "defConfig")
	m.Set("result.json", "result")
	m.Set("webui.json", "webUI")
	return m
}

// Watcher polls a work directory for the known generated files.
//
// A Watcher is single-use: Start may be called at most once, and Stop
// must be called exactly once to release the background goroutine.
type Watcher struct {
	dir      string
	interval time.Duration
	onEvent  func(FileEvent)
	logger   *logrus.Logger

	known     *orderedmap.OrderedMap[string, string]
	lastHash  map[string][32]byte

	stopChan chan struct{}
	done     chan struct{}
	started  atomic.Bool
}

// New builds a Watcher over dir. interval <= 0 uses DefaultInterval.
func New(dir string, interval time.Duration, onEvent func(FileEvent), logger *logrus.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Watcher{
		dir:      dir,
		interval: interval,
		onEvent:  onEvent,
		logger:   logger,
		known:    knownFiles(),
		lastHash: make(map[string][32]byte),
	}
}

// Start begins polling in a background goroutine. Panics if called more
// than once on the same Watcher.
func (w *Watcher) Start() {
	if !w.started.CompareAndSwap(false, true) {
		panic("watcher: Start called more than once")
	}

	w.stopChan = make(chan struct{})
	w.done = make(chan struct{})

	ticker := time.NewTicker(w.interval)
	go func() {
		defer close(w.done)
		defer ticker.Stop()
		defer func() {
			if r := recover(); r != nil {
				w.logger.WithField("panic", r).Error("watcher: recovered from panic")
			}
		}()

		w.pollOnce()
		for {
			select {
			case <-w.stopChan:
				return
			case <-ticker.C:
				w.pollOnce()
			}
		}
	}()
}

// Stop ends polling and waits for the background goroutine to exit.
func (w *Watcher) Stop() {
	if w.stopChan == nil {
		return
	}
	close(w.stopChan)
	<-w.done
}

// CollectAll stops the background poller and then performs one final
// synchronous poll. A file written in the gap between the last tick and
// shutdown would otherwise never be seen, since nothing polls again
// after Stop returns.
func (w *Watcher) CollectAll() {
	w.Stop()
	w.pollOnce()
}

func (w *Watcher) pollOnce() {
	for pair := w.known.Oldest(); pair != nil; pair = pair.Next() {
		filename, tag := pair.Key, pair.Value
		w.pollOne(filename, tag)
	}
}

func (w *Watcher) pollOne(filename, tag string) {
	path := filepath.Join(w.dir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		// Not generated yet, or removed; neither is an error worth logging
		// on every tick.
		return
	}

	hash := sha256.Sum256(data)
	if prev, ok := w.lastHash[tag]; ok && prev == hash {
		return
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		w.logger.WithError(err).WithField("file", filename).Warn("watcher: dropping unparsable file")
		return
	}

	w.lastHash[tag] = hash
	if w.onEvent != nil {
		w.onEvent(FileEvent{Tag: tag, Data: parsed})
	}
}

// Package iopump drains a child process's combined output into the shared
// ring buffer. It is deliberately the thinnest component in the tree: one
// goroutine, one buffer, one loop.
//
// A single goroutine reads into a fixed-size stack buffer and forwards
// each chunk downstream until the source reports an error, the same
// shape as a typical pty-to-sink copy loop.
package iopump

import (
	"io"

	"github.com/mlgridengine/supervisor/internal/taskname"

	"context"

	"github.com/sirupsen/logrus"
)

// bufSize is the per-read stack buffer, ~8 KiB.
const bufSize = 8 * 1024

// Source is the read side of a child's combined output pipe.
// childrunner.ChildRunner satisfies this.
type Source interface {
	ReadOutput(buf []byte) (int, error)
}

// Sink is the write side: the shared ring buffer.
// outputbuffer.OutputBuffer satisfies this.
type Sink interface {
	Write(data []byte) (int, error)
}

// Pump copies from a Source to a Sink until EOF or error, then exits.
type Pump struct {
	src    Source
	sink   Sink
	tag    string
	logger *logrus.Logger

	done chan struct{}
	err  error
}

// New constructs a Pump. Call Start to begin copying in the background.
func New(src Source, sink Sink, tag string, logger *logrus.Logger) *Pump {
	if logger == nil {
		logger = logrus.New()
	}
	return &Pump{
		src:    src,
		sink:   sink,
		tag:    tag,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the copy loop in a named goroutine. Non-blocking.
func (p *Pump) Start() {
	taskname.Go(context.Background(), "io-pump:"+p.tag, func(ctx context.Context) {
		p.run()
	})
}

// Done returns a channel closed once the pump has stopped (EOF or error).
func (p *Pump) Done() <-chan struct{} { return p.done }

// Err returns the error that stopped the pump, or nil if it stopped on a
// clean EOF.
func (p *Pump) Err() error { return p.err }

func (p *Pump) run() {
	defer close(p.done)

	buf := make([]byte, bufSize)
	for {
		n, err := p.src.ReadOutput(buf)
		if n > 0 {
			if _, werr := p.sink.Write(buf[:n]); werr != nil {
				p.logger.WithField("tag", p.tag).WithError(werr).Warn("iopump: write to buffer failed")
				p.err = werr
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				p.logger.WithField("tag", p.tag).WithError(err).Warn("iopump: read failed")
				p.err = err
			}
			return
		}
	}
}

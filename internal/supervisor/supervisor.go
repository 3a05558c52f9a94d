// Package supervisor wires the core components — OutputBuffer,
// ChildRunner, IOPump, OutputServer, the signal coordinator, the
// callback client, the status persister, and the generated-file watcher
// — into the program's full lifecycle: prepare, spawn, serve, wait,
// drain, persist, after-hook, linger, shut down.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mlgridengine/supervisor/internal/callback"
	"github.com/mlgridengine/supervisor/internal/childrunner"
	"github.com/mlgridengine/supervisor/internal/iopump"
	"github.com/mlgridengine/supervisor/internal/outputbuffer"
	"github.com/mlgridengine/supervisor/internal/outputserver"
	"github.com/mlgridengine/supervisor/internal/signalcoordinator"
	"github.com/mlgridengine/supervisor/internal/status"
	"github.com/mlgridengine/supervisor/internal/watcher"
	"github.com/mlgridengine/supervisor/pkg/config"
)

// ConfigError marks a failure that occurred before the child was ever
// spawned: bad config, a pre-existing status file, a bad buffer size,
// an unwritable work directory. These are distinct from runtime
// failures; callers use errors.As to choose an exit code.
type ConfigError struct{ err error }

func (e *ConfigError) Error() string { return e.err.Error() }
func (e *ConfigError) Unwrap() error { return e.err }

func configErrorf(format string, args ...any) error {
	return &ConfigError{err: fmt.Errorf(format, args...)}
}

// Supervisor runs one supervised-program lifecycle end to end.
type Supervisor struct {
	cfg    *config.Config
	logger *logrus.Logger

	statusPath string
}

// New builds a Supervisor from a validated Config. cfg.Validate should
// be called by the caller first; Run re-validates regardless.
func New(cfg *config.Config, statusPath string, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = cfg.NewLogger()
	}
	return &Supervisor{cfg: cfg, logger: logger, statusPath: statusPath}
}

// Run executes the full lifecycle and returns the supervised program's
// observed terminal status, blocking until the supervisor itself is
// ready to exit (including any after-hook and --no-exit lingering).
func (s *Supervisor) Run(ctx context.Context) (childrunner.Status, error) {
	if err := s.cfg.Validate(); err != nil {
		return childrunner.StatusNotStarted, &ConfigError{err: err}
	}

	// 1. Prepare working directory; verify the status file doesn't
	// pre-exist.
	if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
		return childrunner.StatusNotStarted, configErrorf("supervisor: create work dir: %w", err)
	}
	if s.statusPath != "" {
		if _, err := os.Stat(s.statusPath); err == nil {
			return childrunner.StatusNotStarted, configErrorf("supervisor: status file %q already exists", s.statusPath)
		}
	}

	// 2. Construct the core components.
	bufSize, err := s.cfg.BufferSizeBytes()
	if err != nil {
		return childrunner.StatusNotStarted, configErrorf("supervisor: %w", err)
	}
	buf := outputbuffer.New(int(bufSize), 0, s.logger)
	runner := childrunner.New(s.cfg.Argv, s.cfg.Env, s.cfg.WorkDir, "child", s.logger)
	pump := iopump.New(runner, buf, "child", s.logger)
	server := outputserver.New(buf, runner, 0, s.logger)
	cb := callback.New(s.cfg.CallbackAPI, s.cfg.CallbackToken, s.cfg.CallbackMaxRetry, s.logger)
	persister := status.New(s.statusPath)

	// 3. Start the HTTP server.
	addr, err := server.Start(s.cfg.ServerHost, s.cfg.ServerPort)
	if err != nil {
		return childrunner.StatusNotStarted, fmt.Errorf("supervisor: start http server: %w", err)
	}
	defer server.Shutdown()
	host, port := splitHostPort(addr)

	// 4. Optionally start the filesystem watcher.
	var fileWatcher *watcher.Watcher
	if s.cfg.WatchGenerated {
		fileWatcher = watcher.New(s.cfg.WorkDir, watcher.DefaultInterval, func(ev watcher.FileEvent) {
			cb.Send(ctx, callback.Event{
				EventType: "fileGenerated:" + ev.Tag,
				Timestamp: time.Now().Format(time.RFC3339),
				Data:      ev.Data,
			})
		}, s.logger)
		fileWatcher.Start()
	}

	// 5. Start the child and the IOPump; emit "started".
	startedAt := time.Now()
	if err := runner.Start(); err != nil {
		if fileWatcher != nil {
			fileWatcher.Stop()
		}
		return childrunner.StatusNotStarted, fmt.Errorf("supervisor: start child: %w", err)
	}
	pump.Start()

	if err := persister.WriteStarted(host, port, startedAt); err != nil {
		s.logger.WithError(err).Warn("supervisor: failed to persist started status")
	}
	cb.Send(ctx, callback.Event{
		EventType: "started",
		Timestamp: startedAt.Format(time.RFC3339),
		Data:      map[string]any{"hostname": host, "port": port, "status": "RUNNING"},
	})

	// 6. Scoped signal handler over the running child.
	runHandler := signalcoordinator.Global().Push(func(os.Signal) {
		runner.Kill()
	})
	runner.Wait(0)
	runHandler.Release()

	// 7. Stop the watcher, polling once more for anything written in its
	// final gap; join the IOPump; close the buffer.
	if fileWatcher != nil {
		fileWatcher.CollectAll()
	}
	<-pump.Done()
	buf.Close()

	// 8. Optionally save the captured output.
	if s.cfg.SaveOutput != "" {
		if err := s.saveOutput(buf, s.cfg.SaveOutput); err != nil {
			s.logger.WithError(err).Warn("supervisor: failed to save output")
		}
	}

	// 9. Emit "finished".
	finishedAt := time.Now()
	finalStatus := runner.Status()
	exitCode, _ := runner.ExitCode()
	exitSig, _ := runner.ExitSignal()
	if err := persister.WriteFinished(host, port, startedAt, finishedAt, finalStatus, exitCode, int(exitSig)); err != nil {
		s.logger.WithError(err).Warn("supervisor: failed to persist finished status")
	}
	cb.Send(ctx, callback.Event{
		EventType: "statusUpdated",
		Timestamp: finishedAt.Format(time.RFC3339),
		Data:      finishedEventData(finalStatus, exitCode, exitSig),
	})

	// 10. Optional after-hook.
	if s.cfg.RunAfter != "" {
		s.runAfterHook(finalStatus, exitCode, exitSig)
	}

	// 11. Linger if --no-exit and no interrupt has fired yet.
	if s.cfg.NoExit && !signalcoordinator.Global().Interrupted() {
		lingerHandler := signalcoordinator.Global().Push(func(os.Signal) {})
		lingerHandler.Wait()
		lingerHandler.Release()
	}

	// 12. Stop the HTTP server (also run via defer above).
	return finalStatus, nil
}

func (s *Supervisor) runAfterHook(finalStatus childrunner.Status, exitCode int, exitSig syscall.Signal) {
	env := map[string]string{
		"ML_GRIDENGINE_PROGRAM_WORK_DIR":    s.cfg.WorkDir,
		"ML_GRIDENGINE_PROGRAM_EXIT_STATUS": finalStatus.String(),
	}
	switch finalStatus {
	case childrunner.StatusExited:
		env["ML_GRIDENGINE_PROGRAM_EXIT_CODE"] = fmt.Sprintf("%d", exitCode)
	case childrunner.StatusSignalled:
		env["ML_GRIDENGINE_PROGRAM_EXIT_SIGNAL"] = fmt.Sprintf("%d", int(exitSig))
	}

	after := childrunner.New([]string{s.cfg.Shell, "-c", s.cfg.RunAfter}, env, s.cfg.WorkDir, "after-hook", s.logger)
	if err := after.Start(); err != nil {
		s.logger.WithError(err).Warn("supervisor: after-hook failed to start")
		return
	}
	go drainAfterHookOutput(after)

	handler := signalcoordinator.Global().Push(func(os.Signal) {
		after.Kill()
	})
	after.Wait(0)
	handler.Release()
}

// drainAfterHookOutput discards the after-hook's combined output; nothing
// downstream reads it, but leaving the pipe unread would wedge a child
// that buffers more than one pipe's worth.
func drainAfterHookOutput(after *childrunner.ChildRunner) {
	discard := make([]byte, 4096)
	for {
		_, err := after.ReadOutput(discard)
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) saveOutput(buf *outputbuffer.OutputBuffer, path string) error {
	size := buf.Size()
	target := make([]byte, size)
	res := buf.TryRead(0, target)

	var out bytes.Buffer
	if discarded := buf.WrittenBytes() - int64(size); discarded > 0 {
		fmt.Fprintf(&out, "%d bytes discarded\n", discarded)
	}
	if res.Kind == outputbuffer.KindData {
		out.Write(target[:res.N])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("save-output: create parent dir: %w", err)
	}
	return os.WriteFile(path, out.Bytes(), 0o644)
}

func finishedEventData(status childrunner.Status, exitCode int, exitSig syscall.Signal) map[string]any {
	data := map[string]any{"status": status.String()}
	switch status {
	case childrunner.StatusExited:
		data["exitCode"] = exitCode
	case childrunner.StatusSignalled:
		data["exitSignal"] = int(exitSig)
	}
	return data
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

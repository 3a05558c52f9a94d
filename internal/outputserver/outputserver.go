// Package outputserver exposes the shared OutputBuffer over HTTP: a
// long-polling streaming read, a kill endpoint, and a health check.
//
// Grounded on the chunked Server-Sent-Events loop in
// sakateka-yanet2/controlplane/internal/gateway/proxy.go (type-assert to
// http.Flusher, write then Flush on every chunk, bail out on a write
// error) and on the client-registration / drain-on-last-client idiom in
// other_examples/98024768_sonroyaalmerol-m3u-stream-merger-proxy__proxy-stream-buffer-coordinator.go.go's
// StreamCoordinator (RegisterClient/UnregisterClient bookkeeping around a
// shared buffer that multiple readers poll independently).
package outputserver

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/mlgridengine/supervisor/internal/childrunner"
	"github.com/mlgridengine/supervisor/internal/outputbuffer"
)

// streamChunkSize is the scratch buffer size for one tryRead in the
// streaming loop.
const streamChunkSize = 8 * 1024

// DefaultMaxTimeout is the ceiling query timeouts are clamped to, and the
// value used when a request omits the parameter entirely.
const DefaultMaxTimeout = 90 * time.Second

// Server serves the HTTP surface over one OutputBuffer/ChildRunner pair.
type Server struct {
	buf        *outputbuffer.OutputBuffer
	runner     *childrunner.ChildRunner
	maxTimeout time.Duration
	logger     *logrus.Logger

	httpServer *http.Server
	listener   net.Listener

	clients      *hashmap.Map[uint64, time.Time]
	nextClientID atomic.Uint64
}

// New constructs a Server. maxTimeout <= 0 uses DefaultMaxTimeout.
func New(buf *outputbuffer.OutputBuffer, runner *childrunner.ChildRunner, maxTimeout time.Duration, logger *logrus.Logger) *Server {
	if maxTimeout <= 0 {
		maxTimeout = DefaultMaxTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		buf:        buf,
		runner:     runner,
		maxTimeout: maxTimeout,
		logger:     logger,
		clients:    hashmap.New[uint64, time.Time](),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/output/_stream", s.handleStream)
	mux.HandleFunc("/_kill", s.handleKill)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/", s.handleNotFound)

	s.httpServer = &http.Server{Handler: mux}
	return s
}

// Start binds host:port (port 0 selects an ephemeral port) and begins
// serving in the background. Returns the bound address.
func (s *Server) Start(host string, port int) (string, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return "", err
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("outputserver: serve failed")
		}
	}()

	return listener.Addr().String(), nil
}

// Shutdown stops the HTTP server immediately, closing the listener and
// every open connection, including in-flight streams.
func (s *Server) Shutdown() error {
	return s.httpServer.Close()
}

// ActiveStreams returns the number of currently registered streaming
// clients.
func (s *Server) ActiveStreams() int {
	return s.clients.Len()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	begin, err := parseInt64(q.Get("begin"), 0)
	if err != nil {
		http.Error(w, "bad begin", http.StatusBadRequest)
		return
	}

	timeout, err := parseTimeout(q.Get("timeout"), s.maxTimeout)
	if err != nil {
		http.Error(w, "bad timeout", http.StatusBadRequest)
		return
	}

	count, err := parseUint64(q.Get("count"), 0)
	if err != nil {
		http.Error(w, "bad count", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	id := s.nextClientID.Add(1)
	s.clients.Set(id, time.Now())
	defer s.clients.Del(id)

	scratch := make([]byte, streamChunkSize)
	initial := scratch
	if count > 0 && count < uint64(len(initial)) {
		initial = initial[:count]
	}
	// timeout=0 asks for an immediate answer; Read itself treats a
	// non-positive timeout as "wait forever".
	var res outputbuffer.Result
	if timeout > 0 {
		res = s.buf.Read(begin, initial, timeout)
	} else {
		res = s.buf.TryRead(begin, initial)
	}

	switch res.Kind {
	case outputbuffer.KindTimeout:
		w.WriteHeader(http.StatusNoContent)
		return
	case outputbuffer.KindClosed:
		http.Error(w, "closed", http.StatusGone)
		return
	}

	if s.buf.IsClosed() {
		// The buffer closed between the read returning data and us being
		// ready to respond; report Gone rather than announce a stream
		// that's already over.
		http.Error(w, "closed", http.StatusGone)
		return
	}

	cursor := res.Begin
	var sent uint64

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	writeHeaderLine(w, cursor)
	n, werr := w.Write(scratch[:res.N])
	sent += uint64(n)
	cursor += int64(res.N)
	flusher.Flush()
	if werr != nil {
		return
	}

	for {
		if count > 0 && sent >= count {
			return
		}

		target := scratch
		if count > 0 {
			remaining := count - sent
			if remaining < uint64(len(target)) {
				target = target[:remaining]
			}
		}

		res = s.buf.TryRead(cursor, target)
		switch res.Kind {
		case outputbuffer.KindClosed:
			return
		case outputbuffer.KindTimeout:
			select {
			case <-r.Context().Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		if res.Begin != cursor {
			// A gap: bytes at [cursor, res.Begin) were overwritten since
			// the last read. Non-recoverable for this client.
			return
		}

		if res.N == 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		n, werr := w.Write(target[:res.N])
		sent += uint64(n)
		cursor += int64(res.N)
		flusher.Flush()
		if werr != nil {
			return
		}
	}
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.runner.Kill()

	body := map[string]any{}
	switch s.runner.Status() {
	case childrunner.StatusExited:
		code, _ := s.runner.ExitCode()
		body["status"] = "exited"
		body["exitCode"] = code
	case childrunner.StatusSignalled:
		sig, _ := s.runner.ExitSignal()
		body["status"] = "signalled"
		body["exitSignal"] = int(sig)
	case childrunner.StatusCannotKill:
		body["status"] = "cannot_kill"
	default:
		http.Error(w, "kill did not reach a terminal state", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := s.runner.Status()
	httpStatus := http.StatusOK
	body := "ok"
	switch status {
	case childrunner.StatusExited, childrunner.StatusSignalled, childrunner.StatusCannotKill:
		httpStatus = http.StatusServiceUnavailable
		body = "terminal"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        body,
		"activeStreams": s.ActiveStreams(),
		"childStatus":   status.String(),
		"writtenBytes":  s.buf.WrittenBytes(),
		"bufferClosed":  s.buf.IsClosed(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

func writeHeaderLine(w http.ResponseWriter, begin int64) {
	hex := strconv.FormatInt(begin, 16)
	_, _ = w.Write([]byte(hex + "\n"))
}

func parseInt64(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseUint64(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func parseTimeout(s string, max time.Duration) (time.Duration, error) {
	if s == "" {
		return max, nil
	}
	secs, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	d := time.Duration(secs) * time.Second
	if d > max {
		d = max
	}
	return d, nil
}

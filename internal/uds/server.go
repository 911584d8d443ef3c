package uds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/msageha/gatekeeper/internal/model"
)

// ErrSocketInUse is returned by Start when another process still answers on
// the socket path.
var ErrSocketInUse = errors.New("socket already in use")

type HandlerFunc func(req *Request) *Response

// Server answers one framed request per connection. Handlers run on the
// connection goroutine; a panicking handler yields an INTERNAL_ERROR response.
type Server struct {
	socketPath  string
	listener    net.Listener
	handlers    map[string]HandlerFunc
	mu          sync.RWMutex
	connTimeout time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	stopOnce    sync.Once

	logger   *log.Logger
	logLevel model.LogLevel
}

func NewServer(socketPath string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		connTimeout: 30 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.New(io.Discard, "", 0),
		logLevel:    model.LogLevelInfo,
	}
}

// SetLogger routes server logs at or above level to l. Must be called before Start.
func (s *Server) SetLogger(l *log.Logger, level model.LogLevel) {
	if l != nil {
		s.logger = l
	}
	s.logLevel = level
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start listens on the socket path, replacing a stale socket file left by a
// previous process. A socket that still accepts connections is not replaced.
func (s *Server) Start() error {
	if conn, err := net.DialTimeout("unix", s.socketPath, 200*time.Millisecond); err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, s.socketPath)
	}
	if err := os.Remove(s.socketPath); err == nil {
		s.log(model.LogLevelWarn, "removed stale socket %s", s.socketPath)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, waits for in-flight connections and removes the
// socket file. Repeated calls are no-ops.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		if s.listener != nil {
			_ = os.Remove(s.socketPath)
		}
	})
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log(model.LogLevelError, "accept error=%v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.log(model.LogLevelWarn, "read request error=%v", err)
		return
	}

	begin := time.Now()
	resp := s.dispatch(&req)
	if resp.Success || resp.Error == nil {
		s.log(model.LogLevelDebug, "command=%s ok elapsed=%s", req.Command, time.Since(begin))
	} else {
		s.log(model.LogLevelDebug, "command=%s code=%s elapsed=%s", req.Command, resp.Error.Code, time.Since(begin))
	}

	if err := WriteFrame(conn, resp); err != nil {
		s.log(model.LogLevelWarn, "write response command=%s error=%v", req.Command, err)
	}
}

func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.log(model.LogLevelError, "panic in command=%s: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("command %s failed", req.Command))
		}
	}()
	resp = handler(req)
	if resp == nil {
		resp = SuccessResponse(nil)
	}
	return resp
}

func (s *Server) log(level model.LogLevel, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s uds: %s", time.Now().Format(time.RFC3339), level, msg)
}

package uds

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/gatekeeper/internal/model"
)

// shortSockPath keeps socket paths under the 104-byte limit on macOS.
// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func shortSockPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "gk-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func startServer(t *testing.T, register func(*Server)) (*Server, *Client, string) {
	t.Helper()
	sockPath := shortSockPath(t, "t.sock")
	server := NewServer(sockPath)
	if register != nil {
		register(server)
	}
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)
	return server, client, sockPath
}

func TestFraming_RoundTrip(t *testing.T) {
	sockPath := shortSockPath(t, "f.sock")
	listener, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer listener.Close()

	large := strings.Repeat("x", 1024*1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			t.Errorf("server ReadFrame: %v", err)
			return
		}
		var params map[string]string
		if err := req.DecodeParams(&params); err != nil {
			t.Errorf("decode params: %v", err)
			return
		}
		_ = WriteFrame(conn, SuccessResponse(map[string]int{"len": len(params["blob"])}))
	}()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	req, err := NewRequest("echo", map[string]string{"blob": large})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, req))

	var resp Response
	require.NoError(t, ReadFrame(conn, &resp))
	var out map[string]int
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, len(large), out["len"])
	<-done
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(nil) })
	})

	resp, err := client.Send(&Request{ProtocolVersion: 99, Command: CmdPing})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_UnknownCommand(t *testing.T) {
	_, client, _ := startServer(t, nil)

	err := client.Call("nonexistent", nil, nil)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, ErrCodeUnknownCommand, remote.Code)
}

func TestServer_ScheduleParamsRoundTrip(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle(CmdSchedule, func(req *Request) *Response {
			var p ScheduleParams
			if err := req.DecodeParams(&p); err != nil {
				return ErrorResponse(ErrCodeValidation, err.Error())
			}
			if p.Task.Agent == "" {
				return ErrorResponse(ErrCodeValidation, "agent is required")
			}
			return SuccessResponse(model.Decision{
				Status:  model.DecisionScheduled,
				TaskID:  p.Task.ID,
				AgentID: "agt_1772355600_0a1b2c3d",
				Locks:   p.Task.Paths,
			})
		})
	})

	var d model.Decision
	err := client.Call(CmdSchedule, ScheduleParams{Task: model.TaskDescriptor{
		ID: "t-1", Agent: "EXECUTOR", Kind: model.KindFixPack, Repo: "acme/api", Paths: []string{"src/a.go"},
	}}, &d)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionScheduled, d.Status)
	assert.Equal(t, "t-1", d.TaskID)
	assert.Equal(t, []string{"src/a.go"}, d.Locks)

	err = client.Call(CmdSchedule, ScheduleParams{}, &d)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, ErrCodeValidation, remote.Code)
	assert.Contains(t, err.Error(), "agent is required")
}

func TestServer_MultipleClients(t *testing.T) {
	_, _, sockPath := startServer(t, func(s *Server) {
		s.Handle(CmdPing, func(*Request) *Response {
			return SuccessResponse(map[string]string{"status": "ok"})
		})
	})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient(sockPath)
			var out map[string]string
			if err := c.Call(CmdPing, nil, &out); err != nil {
				errs <- err
				return
			}
			if out["status"] != "ok" {
				errs <- fmt.Errorf("unexpected status %q", out["status"])
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestServer_HandlerPanicDoesNotKillServer(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle("boom", func(*Request) *Response { panic("boom") })
		s.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(nil) })
	})

	err := client.Call("boom", nil, nil)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, ErrCodeInternal, remote.Code)
	assert.NoError(t, client.Call(CmdPing, nil, nil))
}

func TestServer_NilHandlerResponseIsSuccess(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle(CmdDrain, func(*Request) *Response { return nil })
	})
	assert.NoError(t, client.Call(CmdDrain, nil, nil))
}

func TestServer_LeveledLogging(t *testing.T) {
	for _, tt := range []struct {
		level     model.LogLevel
		wantDebug bool
	}{
		{model.LogLevelDebug, true},
		{model.LogLevelInfo, false},
	} {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf syncBuffer
			_, client, _ := startServer(t, func(s *Server) {
				s.SetLogger(log.New(&buf, "", 0), tt.level)
				s.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(nil) })
			})
			require.NoError(t, client.Call(CmdPing, nil, nil))

			if tt.wantDebug {
				require.Eventually(t, func() bool {
					return strings.Contains(buf.String(), "DEBUG uds: command=ping ok")
				}, time.Second, 5*time.Millisecond)
			} else {
				time.Sleep(20 * time.Millisecond)
				assert.NotContains(t, buf.String(), "DEBUG")
			}
		})
	}
}

func TestServer_StartReplacesStaleSocket(t *testing.T) {
	sockPath := shortSockPath(t, "s.sock")
	stale, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())
	_, err = os.Stat(sockPath)
	require.NoError(t, err, "socket file left behind")

	server := NewServer(sockPath)
	server.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, server.Start())
	defer server.Stop()
	assert.NoError(t, NewClient(sockPath).Call(CmdPing, nil, nil))
}

func TestServer_StartRefusesLiveSocket(t *testing.T) {
	first, client, sockPath := startServer(t, func(s *Server) {
		s.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(nil) })
	})

	second := NewServer(sockPath)
	err := second.Start()
	assert.ErrorIs(t, err, ErrSocketInUse)
	require.NoError(t, second.Stop())

	_, err = os.Stat(sockPath)
	require.NoError(t, err, "refused server must not remove the live socket")
	assert.NoError(t, client.Call(CmdPing, nil, nil))
	require.NoError(t, first.Stop())
	require.NoError(t, first.Stop())
}

func TestClient_CallContextCancelled(t *testing.T) {
	release := make(chan struct{})
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle(CmdStatus, func(*Request) *Response {
			<-release
			return SuccessResponse(nil)
		})
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	err := client.CallContext(ctx, CmdStatus, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nonexistent.sock"))
	client.SetTimeout(time.Second)

	_, err := client.SendCommand(CmdPing, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
	assert.Contains(t, err.Error(), "failed to connect to daemon")
	assert.Contains(t, err.Error(), "gatekeeper daemon")
}

func TestServer_ConnectionTimeout(t *testing.T) {
	sockPath := shortSockPath(t, "c.sock")
	server := NewServer(sockPath)
	server.SetConnTimeout(300 * time.Millisecond)
	server.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, server.Start())
	defer server.Stop()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(500 * time.Millisecond)
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, readErr := conn.Read(make([]byte, 1))
	assert.Error(t, readErr, "idle connection should be closed by the server")

	assert.NoError(t, NewClient(sockPath).Call(CmdPing, nil, nil))
}

func TestServer_SocketPermissionsAndCleanup(t *testing.T) {
	server, _, sockPath := startServer(t, nil)

	info, err := os.Stat(sockPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, server.Stop())
	_, err = os.Stat(sockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestResponseHelpers(t *testing.T) {
	resp := ErrorResponse(ErrCodeQueueFull, "queue full: size=100")
	assert.False(t, resp.Success)
	err := resp.Decode(nil)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, ErrCodeQueueFull, remote.Code)

	assert.Nil(t, SuccessResponse(nil).Data)
	assert.NoError(t, SuccessResponse(nil).Decode(&struct{}{}))

	assert.Error(t, (&Response{}).Decode(nil), "failure without detail")
}

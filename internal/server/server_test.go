package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Midori31/SimpleChatApp/pkg/config"
	"github.com/Midori31/SimpleChatApp/pkg/protocol"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func startTestApp(t *testing.T) *App {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{Address: "127.0.0.1:0"},
	}
	ctx, cancel := context.WithCancel(context.Background())

	app := NewApp(newTestLogger(), ctx, cfg)
	if err := app.Start(); err != nil {
		cancel()
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		app.Shutdown()
	})
	return app
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	dec    protocol.Decoder
	frames []string
}

// dial connects and sends the admission username.
func dial(t *testing.T, addr, username string) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if _, err := conn.Write([]byte(username)); err != nil {
		t.Fatalf("username write failed: %v", err)
	}
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + protocol.Delimiter)); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

// waitFrame blocks until a received frame contains substr.
func (c *testClient) waitFrame(substr string) string {
	c.t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		for _, f := range c.frames {
			if strings.Contains(f, substr) {
				return f
			}
		}
		if time.Now().After(deadline) {
			c.t.Fatalf("timed out waiting for frame containing %q; got %v", substr, c.frames)
		}
		c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		buf := make([]byte, 1024)
		n, err := c.conn.Read(buf)
		if n > 0 {
			// Scan what arrived before judging the error; the wanted
			// frame may ride in the final read before the peer closes.
			c.frames = append(c.frames, c.dec.Push(buf[:n])...)
			continue
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			c.t.Fatalf("read failed waiting for %q: %v", substr, err)
		}
	}
}

// expectNoFrame drains briefly and asserts no frame contains substr.
func (c *testClient) expectNoFrame(substr string) {
	c.t.Helper()

	stop := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(stop) {
		c.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		buf := make([]byte, 1024)
		n, err := c.conn.Read(buf)
		if err == nil {
			c.frames = append(c.frames, c.dec.Push(buf[:n])...)
		}
	}
	for _, f := range c.frames {
		if strings.Contains(f, substr) {
			c.t.Fatalf("unexpected frame containing %q: %q", substr, f)
		}
	}
}

func waitOffline(t *testing.T, app *App, username string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := app.dir.Lookup(username); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s still registered", username)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLoginAndRoster(t *testing.T) {
	app := startTestApp(t)

	a := dial(t, app.Addr(), "alice")
	a.waitFrame(protocol.TagLoginOK)
	a.waitFrame(protocol.TagRoster + "alice")

	b := dial(t, app.Addr(), "bob")
	b.waitFrame(protocol.TagLoginOK)
	b.waitFrame(protocol.TagRoster + "alice,bob")

	// alice hears that bob came online, with the refreshed roster.
	a.waitFrame("bob 已上线")
}

func TestDuplicateUsernameRejected(t *testing.T) {
	app := startTestApp(t)

	a := dial(t, app.Addr(), "alice")
	a.waitFrame(protocol.TagLoginOK)

	imposter := dial(t, app.Addr(), "alice")
	imposter.waitFrame(protocol.TagLoginErr)
	imposter.waitFrame("用户名已被占用")

	if got := app.dir.Snapshot(); len(got) != 1 || got[0] != "alice" {
		t.Errorf("directory = %v, want exactly one alice", got)
	}
}

func TestInvalidUsernameRejected(t *testing.T) {
	app := startTestApp(t)

	tooLong := dial(t, app.Addr(), strings.Repeat("x", 21))
	tooLong.waitFrame(protocol.TagLoginErr)

	reserved := dial(t, app.Addr(), "not@ok")
	reserved.waitFrame(protocol.TagLoginErr)

	if app.dir.Len() != 0 {
		t.Errorf("directory not empty after rejected admissions: %v", app.dir.Snapshot())
	}
}

func TestGroupBroadcastExcludesSender(t *testing.T) {
	app := startTestApp(t)

	a := dial(t, app.Addr(), "alice")
	a.waitFrame(protocol.TagLoginOK)
	b := dial(t, app.Addr(), "bob")
	b.waitFrame(protocol.TagLoginOK)
	c := dial(t, app.Addr(), "carol")
	c.waitFrame(protocol.TagLoginOK)

	a.send("hi")

	b.waitFrame("[alice] hi")
	c.waitFrame("[alice] hi")
	a.expectNoFrame("[alice] hi")
}

func TestPrivateMessage(t *testing.T) {
	app := startTestApp(t)

	a := dial(t, app.Addr(), "alice")
	a.waitFrame(protocol.TagLoginOK)
	b := dial(t, app.Addr(), "bob")
	b.waitFrame(protocol.TagLoginOK)
	c := dial(t, app.Addr(), "carol")
	c.waitFrame(protocol.TagLoginOK)

	a.send("@bob secret")

	b.waitFrame(protocol.TagPrivate + "[alice] secret")
	c.expectNoFrame("secret")
}

func TestPrivateToOfflineUser(t *testing.T) {
	app := startTestApp(t)

	a := dial(t, app.Addr(), "alice")
	a.waitFrame(protocol.TagLoginOK)

	a.send("@ghost anyone")
	a.waitFrame("用户 ghost 不在线")

	// The failed delivery must not hurt alice's connection.
	a.send("@ghost still here")
	a.waitFrame("用户 ghost 不在线")
	if _, ok := app.dir.Lookup("alice"); !ok {
		t.Error("alice was deregistered after a failed private delivery")
	}
}

func TestMalformedPrivateReported(t *testing.T) {
	app := startTestApp(t)

	a := dial(t, app.Addr(), "alice")
	a.waitFrame(protocol.TagLoginOK)

	a.send("@bob")
	a.waitFrame("私聊格式错误")

	if _, ok := app.dir.Lookup("alice"); !ok {
		t.Error("alice was deregistered after a malformed frame")
	}
}

func TestExitSignalDrains(t *testing.T) {
	app := startTestApp(t)

	a := dial(t, app.Addr(), "alice")
	a.waitFrame(protocol.TagLoginOK)
	b := dial(t, app.Addr(), "bob")
	b.waitFrame(protocol.TagLoginOK)

	a.send(protocol.ExitMarker)

	waitOffline(t, app, "alice")
	b.waitFrame("alice 已下线")
	b.waitFrame("当前在线：bob")
}

func TestAbruptDisconnectDrains(t *testing.T) {
	app := startTestApp(t)

	a := dial(t, app.Addr(), "alice")
	a.waitFrame(protocol.TagLoginOK)
	b := dial(t, app.Addr(), "bob")
	b.waitFrame(protocol.TagLoginOK)

	a.conn.Close()

	waitOffline(t, app, "alice")
	b.waitFrame("alice 已下线")
}

func TestShutdownNoticeReachesClients(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{Address: "127.0.0.1:0"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := NewApp(newTestLogger(), ctx, cfg)
	if err := app.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	a := dial(t, app.Addr(), "alice")
	a.waitFrame(protocol.TagLoginOK)
	b := dial(t, app.Addr(), "bob")
	b.waitFrame(protocol.TagLoginOK)

	// The root context is already gone when Shutdown runs, same as on a
	// real SIGTERM.
	done := make(chan struct{})
	go func() {
		cancel()
		app.Shutdown()
		close(done)
	}()

	a.waitFrame("服务器即将关闭")
	b.waitFrame("服务器即将关闭")

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

// flakyListener fails its first Accept the way a briefly exhausted listener
// would, then behaves normally.
type flakyListener struct {
	net.Listener
	tripped atomic.Bool
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.tripped.CompareAndSwap(false, true) {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: errors.New("too many open files")}
	}
	return l.Listener.Accept()
}

func TestAcceptLoopSurvivesTransientError(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{Address: "127.0.0.1:0"},
	}
	ctx, cancel := context.WithCancel(context.Background())

	app := NewApp(newTestLogger(), ctx, cfg)
	ln, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	app.ln = &flakyListener{Listener: ln}
	go app.acceptLoop()
	t.Cleanup(func() {
		cancel()
		app.Shutdown()
	})

	// The failed accept must not kill the loop; the next client still gets
	// admitted.
	a := dial(t, app.Addr(), "alice")
	a.waitFrame(protocol.TagLoginOK)
}

func TestLoginFramesPrecedeBroadcasts(t *testing.T) {
	app := startTestApp(t)

	a := dial(t, app.Addr(), "alice")
	a.waitFrame(protocol.TagLoginOK)

	// alice floods the room while bob logs in; bob must still see his
	// login result and roster before any forwarded chatter.
	stop := make(chan struct{})
	flooded := make(chan struct{})
	go func() {
		defer close(flooded)
		for {
			select {
			case <-stop:
				return
			default:
				a.conn.Write([]byte("flood" + protocol.Delimiter))
				time.Sleep(time.Millisecond)
			}
		}
	}()

	b := dial(t, app.Addr(), "bob")
	b.waitFrame(protocol.TagLoginOK)
	b.waitFrame(protocol.TagRoster)
	close(stop)
	<-flooded

	if len(b.frames) < 2 {
		t.Fatalf("expected at least login result and roster, got %v", b.frames)
	}
	if !strings.HasPrefix(b.frames[0], protocol.TagLoginOK) {
		t.Errorf("first frame = %q, want the login result first", b.frames[0])
	}
	if !strings.HasPrefix(b.frames[1], protocol.TagRoster) {
		t.Errorf("second frame = %q, want the roster second", b.frames[1])
	}
}

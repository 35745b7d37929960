package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Midori31/SimpleChatApp/pkg/protocol"
)

const loginTimeout = 5 * time.Second

// envelope is one parsed client message. Clients send
// {"event":"login","payload":{"username":...}},
// {"event":"group","payload":{"body":...}},
// {"event":"private","payload":{"target":...,"body":...}} and
// {"event":"exit"}.
type envelope struct {
	Event    string
	Username string
	Target   string
	Body     string
}

func parseEnvelope(raw []byte) envelope {
	return envelope{
		Event:    gjson.GetBytes(raw, "event").String(),
		Username: gjson.GetBytes(raw, "payload.username").String(),
		Target:   gjson.GetBytes(raw, "payload.target").String(),
		Body:     gjson.GetBytes(raw, "payload.body").String(),
	}
}

type outEnvelope struct {
	Event   string     `json:"event"`
	Payload outPayload `json:"payload"`
}

type outPayload struct {
	OK     *bool    `json:"ok,omitempty"`
	Reason string   `json:"reason,omitempty"`
	Roster []string `json:"roster,omitempty"`
	Text   string   `json:"text,omitempty"`
}

func loginResult(ok bool, reason string, roster []string) outEnvelope {
	return outEnvelope{Event: "login_result", Payload: outPayload{OK: &ok, Reason: reason, Roster: roster}}
}

// session is one bridge user. It satisfies the directory sink contract: the
// relay pushes wire frames at it, and it re-envelopes them as JSON since
// WebSocket messages are already discrete.
type session struct {
	id     uuid.UUID
	ws     *websocket.Conn
	server *Server
	send   chan []byte

	username string

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	pumping   atomic.Bool

	logger *slog.Logger
}

func newSession(server *Server, ws *websocket.Conn, remoteAddr string) *session {
	id := uuid.New()
	ctx, cancel := context.WithCancel(server.ctx)

	server.wg.Add(1)

	return &session{
		id:     id,
		ws:     ws,
		server: server,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		wg:     server.wg,
		ctx:    ctx,
		cancel: cancel,
		logger: server.logger.With(
			slog.String("connID", id.String()),
			slog.String("remoteAddr", remoteAddr),
		),
	}
}

func (s *session) run(reqCtx context.Context) {
	// Admitting: the first envelope must be a login.
	username, ok := s.admit(reqCtx)
	if !ok {
		s.close(nil)
		<-s.done
		return
	}

	s.pumping.Store(true)
	go s.writePump()

	s.server.dispatcher.NotifyLogin(username)
	s.logger.Info("Bridge user online")

	s.readLoop()
	<-s.done
}

func (s *session) admit(reqCtx context.Context) (string, bool) {
	readCtx, cancel := context.WithTimeout(reqCtx, loginTimeout)
	defer cancel()

	_, raw, err := s.ws.Read(readCtx)
	if err != nil {
		s.logger.Info("Bridge admission read failed", slog.Any("error", err))
		return "", false
	}

	ev := parseEnvelope(raw)
	if ev.Event != "login" {
		s.rejectLogin("第一条消息必须是 login")
		return "", false
	}
	username := strings.TrimSpace(ev.Username)
	if err := protocol.ValidateUsername(username); err != nil {
		s.logger.Info("Bridge admission rejected", slog.Any("reason", err))
		s.rejectLogin("用户名不合法")
		return "", false
	}

	// Written before the insert so the shutdown path, which learns about
	// this sink through the directory, always sees them.
	s.username = username
	s.logger = s.logger.With(slog.String("username", username))

	// Queued ahead of registration: once the directory holds this sink,
	// dispatcher broadcasts may land on the send channel, and login_result
	// must stay the first envelope the client sees. If registration loses,
	// the queued envelope dies with the never-started write pump.
	roster := append(s.server.dir.Snapshot(), username)
	sort.Strings(roster)
	s.writeEnvelope(loginResult(true, "", roster))

	if !s.server.dir.Register(username, s) {
		s.logger.Info("Bridge admission rejected, name taken", slog.String("username", username))
		s.rejectLogin("用户名已被占用")
		return "", false
	}
	return username, true
}

// rejectLogin writes the failure envelope synchronously; the write pump is
// not running yet.
func (s *session) rejectLogin(reason string) {
	b, err := json.Marshal(loginResult(false, reason, s.server.dir.Snapshot()))
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	s.ws.Write(writeCtx, websocket.MessageText, b)
}

func (s *session) readLoop() {
	var readErr error
	defer func() {
		s.close(readErr)
	}()

	for {
		_, raw, err := s.ws.Read(s.ctx)
		if err != nil {
			readErr = err
			return
		}
		ev := parseEnvelope(raw)
		switch ev.Event {
		case "group":
			body := strings.TrimSpace(ev.Body)
			if body == "" {
				continue
			}
			if strings.Contains(body, protocol.Delimiter) {
				s.Send(protocol.EncodeNotice("消息中不能包含 " + protocol.Delimiter))
				continue
			}
			s.server.dispatcher.Broadcast(s.username, body)
		case "private":
			target := strings.TrimSpace(ev.Target)
			body := strings.TrimSpace(ev.Body)
			if target == "" || body == "" {
				s.Send(protocol.EncodeNotice("私聊格式错误，需要 target 和 body"))
				continue
			}
			if strings.Contains(body, protocol.Delimiter) {
				s.Send(protocol.EncodeNotice("消息中不能包含 " + protocol.Delimiter))
				continue
			}
			if !s.server.dispatcher.Private(s.username, target, body) {
				s.Send(protocol.EncodeNotice("私聊失败：用户 " + target + " 不在线"))
			}
		case "exit":
			s.logger.Info("Bridge user requested exit")
			return
		default:
			s.logger.Debug("Unknown bridge event", slog.String("event", ev.Event))
			s.Send(protocol.EncodeNotice("未知消息类型：" + ev.Event))
		}
	}
}

// writePump is the only websocket writer once the session is admitted; it
// owns the socket close so envelopes queued before shutdown still go out.
func (s *session) writePump() {
	defer s.ws.Close(websocket.StatusNormalClosure, "")
	for {
		select {
		case msg := <-s.send:
			if err := s.ws.Write(s.ctx, websocket.MessageText, msg); err != nil {
				s.close(err)
				return
			}
		case <-s.ctx.Done():
			s.flush()
			return
		}
	}
}

// flush writes envelopes already queued at shutdown, bounded so a dead peer
// cannot stall teardown.
func (s *session) flush() {
	flushCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		select {
		case msg := <-s.send:
			if err := s.ws.Write(flushCtx, websocket.MessageText, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Send implements the directory sink: the trailing delimiter is stripped and
// the frame rides inside a JSON envelope.
func (s *session) Send(frame []byte) {
	s.writeEnvelope(outEnvelope{
		Event:   "frame",
		Payload: outPayload{Text: strings.TrimSuffix(string(frame), protocol.Delimiter)},
	})
}

func (s *session) writeEnvelope(ev outEnvelope) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("Failed to marshal envelope", slog.Any("error", err))
		return
	}
	select {
	case s.send <- b:
	case <-s.ctx.Done():
		s.logger.Warn("send on closed bridge session dropped")
	}
}

// Close satisfies the shutdown path used by the relay app.
func (s *session) Close(err error) {
	s.close(err)
}

func (s *session) close(err error) {
	s.closeOnce.Do(func() {
		s.logger.Debug("Bridge session closing", slog.Any("reason", err))

		s.cancel()
		// Once the write pump runs it closes the socket after flushing;
		// before that the session closes it directly. The read loop is
		// unblocked by the context either way.
		if !s.pumping.Load() {
			s.ws.Close(websocket.StatusNormalClosure, "")
		}
		// Identity check: a session whose login lost the name race must
		// not evict the winner.
		if cur, ok := s.server.dir.Lookup(s.username); ok && cur == s {
			s.server.dir.Unregister(s.username)
			s.server.dispatcher.NotifyLogout(s.username)
			s.logger.Info("Bridge user offline")
		}
		s.wg.Done()
		close(s.done)
	})
}

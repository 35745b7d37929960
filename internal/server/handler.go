package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Midori31/SimpleChatApp/internal/dispatch"
	"github.com/Midori31/SimpleChatApp/pkg/directory"
	"github.com/Midori31/SimpleChatApp/pkg/protocol"
	"github.com/Midori31/SimpleChatApp/pkg/transport"
)

// admissionTimeout bounds the wait for the initial username chunk.
const admissionTimeout = 5 * time.Second

// session is one admitted user's connection handler. Its lifecycle follows
// connecting → admitting → active → draining → closed; handleConn covers the
// first two states, the transport pumps drive the rest.
type session struct {
	username   string
	conn       *transport.Connection
	dispatcher *dispatch.Dispatcher
	dir        *directory.Directory
	logger     *slog.Logger
}

// handleConn owns one raw TCP connection end to end.
func (a *App) handleConn(netConn net.Conn) {
	logger := a.logger.With(slog.String("remoteAddr", netConn.RemoteAddr().String()))
	logger.Info("Client connected")

	// Admitting: one raw chunk is the candidate username.
	username, err := readUsername(netConn)
	if err != nil {
		logger.Info("Admission rejected", slog.Any("reason", err))
		rejectAdmission(netConn, admissionReason(err), a.dir.Snapshot())
		netConn.Close()
		return
	}

	conn := transport.NewConnection(a.connCtx, &a.wg, netConn, transport.ConnectionConfig{
		IdleNudge: a.config.Server.IdleNudge,
	}, logger)
	sess := &session{
		username:   username,
		conn:       conn,
		dispatcher: a.dispatcher,
		dir:        a.dir,
		logger:     logger.With(slog.String("username", username)),
	}
	conn.SetOnFrameHandler(sess.handleFrame)
	conn.SetOnCloseHandler(sess.drain)
	conn.SetOnIdleHandler(sess.nudge)

	// Queued ahead of registration: the moment the directory holds this
	// sink, dispatcher broadcasts may land on the send channel, and the
	// login result and roster must stay the first frames on the wire.
	roster := append(a.dir.Snapshot(), username)
	sort.Strings(roster)
	conn.Send(protocol.EncodeLoginResult(true, ""))
	conn.Send(protocol.EncodeRoster(roster))

	// Check-then-insert is atomic inside the directory; a losing duplicate
	// login lands here. The queued frames die with the unstarted pumps.
	if !a.dir.Register(username, conn) {
		logger.Info("Admission rejected, name taken", slog.String("username", username))
		rejectAdmission(netConn, "用户名已被占用", a.dir.Snapshot())
		conn.Close(errors.New("username taken"))
		return
	}

	// Active.
	conn.Run()

	a.dispatcher.NotifyLogin(username)
	sess.logger.Info("User online", slog.String("roster", protocol.JoinRoster(a.dir.Snapshot())))

	<-conn.Done()
}

// readUsername performs the admission read: one chunk, trimmed and
// validated.
func readUsername(netConn net.Conn) (string, error) {
	if err := netConn.SetReadDeadline(time.Now().Add(admissionTimeout)); err != nil {
		return "", err
	}
	defer netConn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1024)
	n, err := netConn.Read(buf)
	if err != nil {
		return "", err
	}
	username := strings.TrimSpace(string(buf[:n]))
	if err := protocol.ValidateUsername(username); err != nil {
		return "", err
	}
	return username, nil
}

// rejectAdmission writes the failure result plus the roster frame straight
// to the socket; no pumps are running yet.
func rejectAdmission(netConn net.Conn, reason string, roster []string) {
	netConn.Write(protocol.EncodeLoginResult(false, reason))
	netConn.Write(protocol.EncodeRoster(roster))
}

func admissionReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrNameEmpty):
		return "用户名不能为空"
	case errors.Is(err, protocol.ErrNameTooLong):
		return "用户名过长（最大20个字符）"
	case errors.Is(err, protocol.ErrNameReserved):
		return "用户名包含非法字符"
	default:
		return "未收到用户名"
	}
}

// handleFrame dispatches one decoded frame while the session is active.
// Protocol errors are reported back to the sender; they never close the
// connection.
func (s *session) handleFrame(_ context.Context, _ uuid.UUID, raw string) {
	msg, err := protocol.Classify(raw)
	if err != nil {
		s.logger.Debug("Malformed frame", slog.String("frame", raw), slog.Any("error", err))
		s.conn.Send(protocol.EncodeNotice("私聊格式错误，应为：@用户名 消息内容"))
		return
	}

	switch msg.Kind {
	case protocol.KindExit:
		s.logger.Info("User requested exit")
		s.conn.Close(nil)
	case protocol.KindPrivate:
		if !s.dispatcher.Private(s.username, msg.Target, msg.Body) {
			s.conn.Send(protocol.EncodeNotice("私聊失败：用户 " + msg.Target + " 不在线"))
		}
	default:
		s.dispatcher.Broadcast(s.username, msg.Body)
	}
}

// drain runs exactly once when the connection dies for any reason: the user
// leaves the directory and the remaining users hear about it. The identity
// check keeps a closing duplicate from evicting the winner's registration.
func (s *session) drain(_ uuid.UUID, err error) {
	if cur, ok := s.dir.Lookup(s.username); !ok || cur != s.conn {
		return
	}
	s.dir.Unregister(s.username)
	s.dispatcher.NotifyLogout(s.username)
	s.logger.Info("User offline", slog.Any("reason", err))
}

// nudge keeps an idle user informed without disconnecting them.
func (s *session) nudge(_ uuid.UUID) {
	s.logger.Debug("Idle nudge")
	s.conn.Send(protocol.EncodeNotice("连接超时，请发送消息保持在线"))
}

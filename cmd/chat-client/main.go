package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Midori31/SimpleChatApp/pkg/config"
	"github.com/Midori31/SimpleChatApp/pkg/logging"
	"github.com/Midori31/SimpleChatApp/pkg/protocol"
)

const exitCommand = ".exit"

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	systemStyle  = lipgloss.NewStyle().Faint(true)
	privateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
	selfStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle    = lipgloss.NewStyle().Faint(true)
)

type netMsg struct {
	frame string
	err   error
}

type model struct {
	input  textinput.Model
	conn   net.Conn
	events <-chan netMsg

	username string
	lines    []string
	width    int
	height   int
	quitting bool
}

func waitNet(ch <-chan netMsg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

func newModel(conn net.Conn, events <-chan netMsg, username string, backlog []string) model {
	input := textinput.New()
	input.Placeholder = "聊天内容，@用户名 私聊，" + exitCommand + " 退出"
	input.Focus()

	lines := make([]string, 0, len(backlog))
	for _, f := range backlog {
		lines = append(lines, styleFrame(f))
	}

	return model{
		input:    input,
		conn:     conn,
		events:   events,
		username: username,
		lines:    lines,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitNet(m.events), textinput.Blink)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = msg.Width - 4
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m.quit()
		case "enter":
			return m.submit()
		}

	case netMsg:
		if msg.err != nil {
			if m.quitting {
				return m, tea.Quit
			}
			m.lines = append(m.lines, errorStyle.Render("连接已断开："+msg.err.Error()))
			return m, tea.Quit
		}
		m.lines = append(m.lines, styleFrame(msg.frame))
		return m, waitNet(m.events)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) quit() (tea.Model, tea.Cmd) {
	m.quitting = true
	if wire, err := protocol.EncodeInbound(protocol.Inbound{Kind: protocol.KindExit}); err == nil {
		m.conn.Write(wire)
	}
	m.conn.Close()
	return m, tea.Quit
}

func (m model) submit() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(m.input.Value())
	m.input.Reset()
	if line == "" {
		return m, nil
	}
	if line == exitCommand {
		return m.quit()
	}

	msg, err := protocol.Classify(line)
	if err != nil {
		m.lines = append(m.lines, errorStyle.Render("私聊格式：@用户名 消息内容"))
		return m, nil
	}
	wire, err := protocol.EncodeInbound(msg)
	if err != nil {
		m.lines = append(m.lines, errorStyle.Render("消息中不能包含 "+protocol.Delimiter))
		return m, nil
	}
	if _, err := m.conn.Write(wire); err != nil {
		m.lines = append(m.lines, errorStyle.Render("发送失败："+err.Error()))
		return m, tea.Quit
	}

	// Local echo; the server never sends a broadcast back to its sender.
	switch msg.Kind {
	case protocol.KindPrivate:
		m.lines = append(m.lines, selfStyle.Render("[我→"+msg.Target+"] "+msg.Body))
	default:
		m.lines = append(m.lines, selfStyle.Render("[我] "+msg.Body))
	}
	return m, nil
}

func styleFrame(frame string) string {
	switch {
	case strings.HasPrefix(frame, protocol.TagSystem),
		strings.HasPrefix(frame, protocol.TagRoster),
		strings.HasPrefix(frame, protocol.TagLoginOK):
		return systemStyle.Render(frame)
	case strings.HasPrefix(frame, protocol.TagLoginErr):
		return errorStyle.Render(frame)
	case strings.HasPrefix(frame, protocol.TagPrivate):
		return privateStyle.Render(frame)
	default:
		return frame
	}
}

func (m model) View() string {
	if m.quitting {
		return "已退出。\n"
	}

	title := titleStyle.Render("SimpleChat — " + m.username)
	help := helpStyle.Render(exitCommand + " 退出")

	paneHeight := m.height - 4
	if paneHeight < 1 {
		paneHeight = 16
	}
	visible := m.lines
	if len(visible) > paneHeight {
		visible = visible[len(visible)-paneHeight:]
	}
	pane := strings.Join(visible, "\n")

	return title + "\n" + pane + "\n\n" + m.input.View() + "  " + help + "\n"
}

// readEvents feeds decoded frames from the socket into the UI.
func readEvents(conn net.Conn, dec *protocol.Decoder, events chan<- netMsg) {
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			events <- netMsg{err: err}
			close(events)
			return
		}
		for _, frame := range dec.Push(buf[:n]) {
			events <- netMsg{frame: frame}
		}
	}
}

// login performs the admission handshake: send the username, wait for the
// result and roster frames.
func login(conn net.Conn, dec *protocol.Decoder, username string) (ok bool, backlog []string, err error) {
	if _, err := conn.Write([]byte(username)); err != nil {
		return false, nil, err
	}

	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1024)
	sawResult := false
	for !sawResult || len(backlog) < 2 {
		n, err := conn.Read(buf)
		if err != nil {
			return false, backlog, err
		}
		for _, frame := range dec.Push(buf[:n]) {
			backlog = append(backlog, frame)
			switch {
			case strings.HasPrefix(frame, protocol.TagLoginOK):
				ok = true
				sawResult = true
			case strings.HasPrefix(frame, protocol.TagLoginErr):
				ok = false
				sawResult = true
			}
		}
	}
	return ok, backlog, nil
}

func main() {
	logger := logging.New(logging.LevelWarn)

	cfg, err := config.Load(logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "读取配置失败：", err)
		os.Exit(1)
	}

	host := flag.String("host", "", "server host (default from config.json)")
	port := flag.Int("port", 0, "server port (default from config.json)")
	name := flag.String("name", "", "username, 1-20 characters")
	flag.Parse()

	// User-supplied host/port become the new persisted defaults.
	persist := false
	if *host != "" {
		cfg.Client.Host = *host
		persist = true
	}
	if *port != 0 {
		cfg.Client.Port = *port
		persist = true
	}
	if persist {
		if err := config.Save(cfg); err != nil {
			fmt.Fprintln(os.Stderr, "保存配置失败：", err)
		}
	}

	username := strings.TrimSpace(*name)
	if username == "" {
		fmt.Print("用户名：")
		fmt.Scanln(&username)
		username = strings.TrimSpace(username)
	}
	if err := protocol.ValidateUsername(username); err != nil {
		fmt.Fprintln(os.Stderr, "用户名不合法：", err)
		os.Exit(1)
	}

	addr := net.JoinHostPort(cfg.Client.Host, strconv.Itoa(cfg.Client.Port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "连接服务器失败：", err)
		os.Exit(1)
	}
	defer conn.Close()

	var dec protocol.Decoder
	ok, backlog, err := login(conn, &dec, username)
	if err != nil {
		fmt.Fprintln(os.Stderr, "登录失败：", err)
		os.Exit(1)
	}
	if !ok {
		for _, frame := range backlog {
			fmt.Fprintln(os.Stderr, frame)
		}
		os.Exit(1)
	}

	events := make(chan netMsg, 32)
	go readEvents(conn, &dec, events)

	p := tea.NewProgram(newModel(conn, events, username, backlog), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "界面异常：", err)
		os.Exit(1)
	}
}

package main

import (
	"net"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Midori31/SimpleChatApp/pkg/protocol"
)

func pressEnter(m model, line string) (model, tea.Cmd) {
	m.input.SetValue(line)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return updated.(model), cmd
}

func TestSubmitRejectsMalformedPrivate(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	m := newModel(client, make(chan netMsg), "alice", nil)
	m, _ = pressEnter(m, "@bob")

	if len(m.lines) != 1 || !strings.Contains(m.lines[0], "私聊格式") {
		t.Errorf("expected a format hint, got %v", m.lines)
	}
}

func TestSubmitRejectsDelimiterInBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	m := newModel(client, make(chan netMsg), "alice", nil)
	m, _ = pressEnter(m, "a"+protocol.Delimiter+"b")

	if len(m.lines) != 1 || !strings.Contains(m.lines[0], protocol.Delimiter) {
		t.Errorf("expected a delimiter warning, got %v", m.lines)
	}
}

func TestSubmitWritesFrameAndEchoes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 256)
		server.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := server.Read(buf)
		if err != nil {
			got <- "read error: " + err.Error()
			return
		}
		got <- string(buf[:n])
	}()

	m := newModel(client, make(chan netMsg), "alice", nil)
	m, _ = pressEnter(m, "hello all")

	if wire := <-got; wire != "hello all"+protocol.Delimiter {
		t.Errorf("wire = %q", wire)
	}
	if len(m.lines) != 1 || !strings.Contains(m.lines[0], "hello all") {
		t.Errorf("expected local echo, got %v", m.lines)
	}
}

func TestNetMsgAppendsStyledFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	events := make(chan netMsg, 1)
	m := newModel(client, events, "alice", nil)

	updated, _ := m.Update(netMsg{frame: "[bob] hi"})
	m = updated.(model)
	if len(m.lines) != 1 || !strings.Contains(m.lines[0], "[bob] hi") {
		t.Errorf("lines = %v", m.lines)
	}
}

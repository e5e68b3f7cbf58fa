package ui

import (
	"strings"
	"testing"

	"github.com/charmbracelet/bubbles/textinput"

	"github.com/octovalve/octovalve/internal/config"
	"github.com/octovalve/octovalve/internal/console"
	"github.com/octovalve/octovalve/internal/protocol"
)

func testModel(t *testing.T) dashboardModel {
	t.Helper()
	cfg, err := config.Resolve(config.File{
		Targets: []config.TargetConfig{
			{Name: "dev", Desc: "dev box", SSH: "devops@10.0.0.1"},
			{Name: "staging", Desc: "staging box", SSH: "deploy@10.0.0.2"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	state := console.NewState(cfg)
	state.ApplyEvent("dev", protocol.ServiceEvent{
		Type: protocol.EventQueueUpdated,
		Queue: []protocol.RequestSnapshot{
			{SnapshotCommon: protocol.SnapshotCommon{ID: "q1", Intent: "list files"}},
			{SnapshotCommon: protocol.SnapshotCommon{ID: "q2", Intent: "restart service"}},
		},
	})
	return dashboardModel{
		state:   state,
		targets: state.TargetNames(),
		filter:  textinput.New(),
	}
}

func TestVisibleQueueFiltersByIntent(t *testing.T) {
	m := testModel(t)
	if got := len(m.visibleQueue()); got != 2 {
		t.Fatalf("unfiltered queue = %d", got)
	}
	m.filter.SetValue("restart")
	queue := m.visibleQueue()
	if len(queue) != 1 || queue[0].ID != "q2" {
		t.Fatalf("filtered queue = %+v", queue)
	}
	m.filter.SetValue("Q1")
	queue = m.visibleQueue()
	if len(queue) != 1 || queue[0].ID != "q1" {
		t.Fatalf("case-insensitive filter = %+v", queue)
	}
}

func TestTargetCyclingWraps(t *testing.T) {
	m := testModel(t)
	m.selectTarget(1)
	if m.selTarget != 1 {
		t.Fatalf("selTarget = %d", m.selTarget)
	}
	m.selectTarget(1)
	if m.selTarget != 0 {
		t.Fatalf("selTarget after wrap = %d", m.selTarget)
	}
	m.selectTarget(-1)
	if m.selTarget != 1 {
		t.Fatalf("selTarget after reverse wrap = %d", m.selTarget)
	}
}

func TestDecideSendsCommandForSelection(t *testing.T) {
	m := testModel(t)
	commands := make(chan console.ControlCommand, 1)
	m.state.RegisterCommander("dev", commands)

	m.moveQueue(1)
	m.decide(console.CommandApprove, "approve")
	select {
	case command := <-commands:
		if command.Kind != console.CommandApprove || command.ID != "q2" {
			t.Fatalf("command = %+v", command)
		}
	default:
		t.Fatal("no command sent")
	}
	if !strings.Contains(m.status, "q2") {
		t.Fatalf("status = %q", m.status)
	}
}

func TestViewRendersQueueAndTargets(t *testing.T) {
	m := testModel(t)
	view := m.View()
	for _, want := range []string{"octovalve console", "dev", "staging", "q1", "q2"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestSummarize(t *testing.T) {
	if got := summarize("  hello  ", 10); got != "hello" {
		t.Fatalf("summarize = %q", got)
	}
	if got := summarize("abcdefghij", 4); got != "abcd…" {
		t.Fatalf("summarize truncation = %q", got)
	}
}

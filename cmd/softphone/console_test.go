package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/web_dialer/pkg/history"
	"github.com/arzzra/web_dialer/pkg/session"
)

type fakeController struct {
	snap     session.Snapshot
	placed   []string
	calls    map[string]int
	restarts int
}

func newFakeController() *fakeController {
	return &fakeController{calls: make(map[string]int)}
}

func (f *fakeController) Snapshot() session.Snapshot { return f.snap }

func (f *fakeController) PlaceCall(_ context.Context, destination string) error {
	f.placed = append(f.placed, destination)
	return nil
}

func (f *fakeController) HangUp() error     { f.calls["hangup"]++; return nil }
func (f *fakeController) Answer() error     { f.calls["answer"]++; return nil }
func (f *fakeController) Reject() error     { f.calls["reject"]++; return nil }
func (f *fakeController) ToggleMute() error { f.calls["mute"]++; return nil }

func (f *fakeController) Restart(context.Context) error {
	f.restarts++
	return nil
}

func newTestConsole() (*console, *fakeController, *bytes.Buffer) {
	ctl := newFakeController()
	out := &bytes.Buffer{}
	return &console{ctl: ctl, out: out, loc: time.UTC}, ctl, out
}

func TestConsoleCall(t *testing.T) {
	c, ctl, _ := newTestConsole()
	ctx := context.Background()

	require.NoError(t, c.execute(ctx, "call +1 555 0100"))
	assert.Equal(t, []string{"+1 555 0100"}, ctl.placed)

	assert.Error(t, c.execute(ctx, "call"))
}

func TestConsoleSimpleCommands(t *testing.T) {
	c, ctl, _ := newTestConsole()
	ctx := context.Background()

	for _, line := range []string{"hangup", "answer", "reject", "mute", "MUTE"} {
		require.NoError(t, c.execute(ctx, line))
	}
	assert.Equal(t, 1, ctl.calls["hangup"])
	assert.Equal(t, 1, ctl.calls["answer"])
	assert.Equal(t, 1, ctl.calls["reject"])
	assert.Equal(t, 2, ctl.calls["mute"])

	require.NoError(t, c.execute(ctx, "retry"))
	assert.Equal(t, 1, ctl.restarts)

	require.NoError(t, c.execute(ctx, "   "))
	assert.ErrorIs(t, c.execute(ctx, "quit"), errQuit)
	assert.Error(t, c.execute(ctx, "bogus"))
}

func TestConsoleRedial(t *testing.T) {
	c, ctl, _ := newTestConsole()
	ctx := context.Background()
	ctl.snap.History = []history.Entry{
		{PhoneNumber: "+15550001"},
		{PhoneNumber: "+15550002"},
	}

	require.NoError(t, c.execute(ctx, "redial 2"))
	assert.Equal(t, []string{"+15550002"}, ctl.placed)

	assert.Error(t, c.execute(ctx, "redial 3"))
	assert.Error(t, c.execute(ctx, "redial x"))
}

func TestConsoleHistory(t *testing.T) {
	c, ctl, out := newTestConsole()
	ctx := context.Background()

	require.NoError(t, c.execute(ctx, "history"))
	assert.Contains(t, out.String(), "No recent calls.")

	out.Reset()
	ts := time.Date(2024, 5, 1, 15, 4, 0, 0, time.UTC).UnixMilli()
	ctl.snap.History = []history.Entry{
		{PhoneNumber: "+15550001", Timestamp: ts, Duration: history.Seconds(75)},
		{PhoneNumber: "+15550002", Timestamp: ts},
	}
	require.NoError(t, c.execute(ctx, "history"))
	assert.Contains(t, out.String(), "1. +15550001")
	assert.Contains(t, out.String(), "May 1, 3:04 PM")
	assert.Contains(t, out.String(), "01:15")
	assert.Contains(t, out.String(), "2. +15550002")
}

func TestFormatSnapshot(t *testing.T) {
	s := session.Snapshot{
		Status:          session.Connected,
		Label:           session.Connected.Label(),
		ActiveCall:      true,
		Direction:       session.Outbound,
		Number:          "+15550001",
		Muted:           true,
		DurationSeconds: 65,
	}
	line := formatSnapshot(s)
	assert.Contains(t, line, "outbound +15550001")
	assert.Contains(t, line, "01:05")
	assert.Contains(t, line, "(muted)")

	failed := session.Snapshot{Status: session.CallError, Label: session.CallError.Label(), LastError: "Call error: busy"}
	assert.Contains(t, formatSnapshot(failed), "Call error: busy")
}

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/web_dialer/pkg/history"
	"github.com/arzzra/web_dialer/pkg/session"
)

// controller операции сессии, доступные из консоли
type controller interface {
	Snapshot() session.Snapshot
	PlaceCall(ctx context.Context, destination string) error
	HangUp() error
	Answer() error
	Reject() error
	ToggleMute() error
	Restart(ctx context.Context) error
}

var errQuit = errors.New("quit")

const helpText = `Commands:
  call <number>   place a call
  redial <n>      call the n-th number from recent calls
  hangup          end the active call
  answer          accept an incoming call
  reject          decline an incoming call
  mute            toggle microphone
  status          show session state
  history         show recent calls
  retry           re-initialize the device
  quit            exit`

// console разбирает строки пользователя и вызывает сессию
type console struct {
	ctl controller
	out io.Writer
	loc *time.Location
}

// execute выполняет одну команду. errQuit означает выход.
func (c *console) execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "call", "dial":
		if len(args) == 0 {
			return errors.New("usage: call <number>")
		}
		return c.ctl.PlaceCall(ctx, strings.Join(args, " "))
	case "redial":
		return c.redial(ctx, args)
	case "hangup", "h":
		return c.ctl.HangUp()
	case "answer", "a":
		return c.ctl.Answer()
	case "reject", "r":
		return c.ctl.Reject()
	case "mute", "m":
		return c.ctl.ToggleMute()
	case "status", "s":
		fmt.Fprintln(c.out, formatSnapshot(c.ctl.Snapshot()))
		return nil
	case "history":
		printHistory(c.out, c.ctl.Snapshot().History, c.loc)
		return nil
	case "retry":
		return c.ctl.Restart(ctx)
	case "help", "?":
		fmt.Fprintln(c.out, helpText)
		return nil
	case "quit", "exit", "q":
		return errQuit
	default:
		return errors.Errorf("unknown command %q, type help", cmd)
	}
}

func (c *console) redial(ctx context.Context, args []string) error {
	entries := c.ctl.Snapshot().History
	if len(args) != 1 {
		return errors.New("usage: redial <n>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(entries) {
		return errors.Errorf("no recent call #%s", args[0])
	}
	return c.ctl.PlaceCall(ctx, entries[n-1].PhoneNumber)
}

// formatSnapshot строка статуса для консоли
func formatSnapshot(s session.Snapshot) string {
	var b strings.Builder
	b.WriteString("[" + s.Label + "]")
	if s.ActiveCall {
		fmt.Fprintf(&b, " %s %s", s.Direction, s.Number)
		if s.Status == session.Connected {
			b.WriteString(" " + history.FormatDuration(s.DurationSeconds))
		}
		if s.Muted {
			b.WriteString(" (muted)")
		}
	}
	if s.LastError != "" {
		b.WriteString(" " + s.LastError)
	}
	return b.String()
}

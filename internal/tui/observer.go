package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/rshade/netuidfetch/internal/dispatch"
)

// Sender delivers messages to a running program. *tea.Program satisfies it.
type Sender interface {
	Send(msg tea.Msg)
}

// Observer forwards dispatch events to a Bubble Tea program.
type Observer struct {
	to Sender
}

var _ dispatch.Observer = (*Observer)(nil)

// NewObserver returns an Observer sending to s.
func NewObserver(s Sender) *Observer {
	return &Observer{to: s}
}

func (o *Observer) OnAttemptStart(pass, netuid, attempt, maxAttempts int) {
	o.to.Send(AttemptStartedMsg{Pass: pass, Netuid: netuid, Attempt: attempt, MaxAttempts: maxAttempts})
}

func (o *Observer) OnAttemptFailed(pass, netuid, attempt, maxAttempts int, err error) {
	o.to.Send(AttemptFailedMsg{
		Pass:        pass,
		Netuid:      netuid,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Err:         err.Error(),
	})
}

func (o *Observer) OnItemDone(res dispatch.ItemResult, done, total int) {
	o.to.Send(ItemDoneMsg{Result: res, Done: done, Total: total})
}

func (o *Observer) OnPassDone(p dispatch.Pass) {
	o.to.Send(PassDoneMsg{Pass: p})
}

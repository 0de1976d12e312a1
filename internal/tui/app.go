// Package tui renders a task view in the terminal.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/BuzzLyutic/shadowflow/internal/changefeed"
	"github.com/BuzzLyutic/shadowflow/internal/gateway"
	"github.com/BuzzLyutic/shadowflow/internal/model"
	"github.com/BuzzLyutic/shadowflow/internal/reconcile"
)

// Tasks is the view the UI renders and mutates. *tasklist.View implements it.
type Tasks interface {
	Snapshot() reconcile.Snapshot
	Updates() <-chan struct{}
	FeedState() changefeed.State
	Create(ctx context.Context, title string) (model.Task, error)
	Rename(ctx context.Context, id, title string) error
	Toggle(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	SetFilter(ctx context.Context, f model.Filter) error
	Reconnect(ctx context.Context) error
}

type mode int

const (
	modeBrowse mode = iota
	modeAdd
	modeEdit
)

type (
	changedMsg struct{}
	doneMsg    struct {
		action string
		err    error
	}
)

type App struct {
	ctx     context.Context
	tasks   Tasks
	snap    reconcile.Snapshot
	cursor  int
	mode    mode
	editID  string
	input   textinput.Model
	message string
	isError bool
	width   int
}

func New(ctx context.Context, tasks Tasks) *App {
	ti := textinput.New()
	ti.Placeholder = "What needs to be done?"
	ti.CharLimit = gateway.MaxTitleLength
	ti.Width = 60

	return &App{
		ctx:   ctx,
		tasks: tasks,
		snap:  tasks.Snapshot(),
		input: ti,
		width: 80,
	}
}

// Run blocks until the user quits.
func Run(ctx context.Context, tasks Tasks) error {
	_, err := tea.NewProgram(New(ctx, tasks), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *App) Init() tea.Cmd {
	return a.waitForChange()
}

func (a *App) waitForChange() tea.Cmd {
	updates := a.tasks.Updates()
	return func() tea.Msg {
		select {
		case <-updates:
			return changedMsg{}
		case <-a.ctx.Done():
			return nil
		}
	}
}

// run performs a mutation off the UI goroutine.
func (a *App) run(action string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return doneMsg{action: action, err: fn(a.ctx)}
	}
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.input.Width = msg.Width - 8
		return a, nil

	case changedMsg:
		a.refresh()
		return a, a.waitForChange()

	case doneMsg:
		a.refresh()
		if msg.err != nil {
			a.setError(fmt.Sprintf("%s failed: %v", msg.action, msg.err))
		} else {
			a.setMessage(msg.action + " done")
		}
		return a, nil

	case tea.KeyMsg:
		if a.mode != modeBrowse {
			return a.updateInput(msg)
		}
		return a.updateBrowse(msg)
	}
	return a, nil
}

func (a *App) refresh() {
	a.snap = a.tasks.Snapshot()
	if a.cursor >= len(a.snap.Tasks) {
		a.cursor = len(a.snap.Tasks) - 1
	}
	if a.cursor < 0 {
		a.cursor = 0
	}
}

func (a *App) selected() (model.Task, bool) {
	if len(a.snap.Tasks) == 0 {
		return model.Task{}, false
	}
	return a.snap.Tasks[a.cursor], true
}

func (a *App) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.cursor > 0 {
			a.cursor--
		}
	case "down", "j":
		if a.cursor < len(a.snap.Tasks)-1 {
			a.cursor++
		}

	case "a", "n":
		a.mode = modeAdd
		a.input.SetValue("")
		a.input.Focus()
		return a, textinput.Blink

	case "e":
		t, ok := a.selected()
		if !ok || a.busy(t.ID) {
			return a, nil
		}
		a.mode = modeEdit
		a.editID = t.ID
		a.input.SetValue(t.Title)
		a.input.CursorEnd()
		a.input.Focus()
		return a, textinput.Blink

	case " ", "x":
		t, ok := a.selected()
		if !ok || a.busy(t.ID) {
			return a, nil
		}
		return a, a.run("toggle", func(ctx context.Context) error { return a.tasks.Toggle(ctx, t.ID) })

	case "d", "delete":
		t, ok := a.selected()
		if !ok || a.busy(t.ID) {
			return a, nil
		}
		return a, a.run("delete", func(ctx context.Context) error { return a.tasks.Delete(ctx, t.ID) })

	case "f", "tab":
		next := a.snap.Filter.Next()
		a.cursor = 0
		return a, a.run("filter "+string(next), func(ctx context.Context) error { return a.tasks.SetFilter(ctx, next) })

	case "r":
		return a, a.run("reconnect", a.tasks.Reconnect)
	}
	return a, nil
}

// busy reports whether a mutation of the task is in flight; its controls
// stay disabled until it settles.
func (a *App) busy(id string) bool {
	if a.snap.PendingFor(id).Busy() {
		a.setMessage("task is busy, try again in a moment")
		return true
	}
	return false
}

func (a *App) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		a.mode = modeBrowse
		a.input.Blur()
		return a, nil

	case tea.KeyEnter:
		title := a.input.Value()
		if _, err := gateway.ValidateTitle(title); err != nil {
			a.setError(err.Error())
			return a, nil
		}
		m, id := a.mode, a.editID
		a.mode = modeBrowse
		a.input.Blur()
		if m == modeEdit {
			return a, a.run("rename", func(ctx context.Context) error { return a.tasks.Rename(ctx, id, title) })
		}
		return a, a.run("add", func(ctx context.Context) error {
			_, err := a.tasks.Create(ctx, title)
			return err
		})
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) setMessage(s string) { a.message, a.isError = s, false }
func (a *App) setError(s string)   { a.message, a.isError = s, true }

func (a *App) View() string {
	var b strings.Builder

	header := a.snap.Filter.Title()
	switch {
	case a.snap.Loading:
		header += "  loading…"
	case a.snap.Stale:
		header += "  " + pendingStyle.Render("offline: "+a.tasks.FeedState().String())
	}
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	if len(a.snap.Tasks) == 0 && !a.snap.Loading {
		b.WriteString(helpStyle.Render("  no tasks"))
		b.WriteString("\n")
	}
	for i, t := range a.snap.Tasks {
		line := renderTask(t, a.snap.PendingFor(t.ID))
		if i == a.cursor && a.mode == modeBrowse {
			b.WriteString(selectedStyle.Render(line))
		} else {
			b.WriteString(taskStyle.Render(line))
		}
		b.WriteString("\n")
	}

	if a.mode != modeBrowse {
		b.WriteString("\n")
		b.WriteString(inputBoxStyle.Render(a.input.View()))
		b.WriteString("\n")
	}

	if a.snap.Err != nil {
		b.WriteString("\n" + errorStyle.Render("sync: "+a.snap.Err.Error()) + "\n")
	}
	if a.message != "" {
		style := helpStyle
		if a.isError {
			style = errorStyle
		}
		b.WriteString("\n" + style.Render(a.message) + "\n")
	}

	b.WriteString("\n")
	if a.mode == modeBrowse {
		b.WriteString(helpStyle.Render("a add • e edit • space toggle • d delete • f filter • r reconnect • q quit"))
	} else {
		b.WriteString(helpStyle.Render("enter save • esc cancel"))
	}
	return b.String()
}

func renderTask(t model.Task, pending model.PendingSet) string {
	box := "[ ]"
	if t.IsCompleted {
		box = "[x]"
	}
	title := t.Title
	if t.IsCompleted {
		title = doneStyle.Render(title)
	}
	line := box + " " + title
	if t.TitleEnriched != nil && *t.TitleEnriched != "" {
		line += "  " + enrichedStyle.Render("→ "+*t.TitleEnriched)
	}
	if pending.Busy() {
		var ops []string
		for _, op := range []model.PendingOp{model.OpCompleting, model.OpUpdating, model.OpDeleting} {
			if pending.Has(op) {
				ops = append(ops, string(op))
			}
		}
		line += "  " + pendingStyle.Render(strings.Join(ops, ", ")+"…")
	}
	return line
}

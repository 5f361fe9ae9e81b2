package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/livefir/liveclient"
)

var (
	statusStyle   = lipgloss.NewStyle().Background(lipgloss.Color("62")).Foreground(lipgloss.Color("230")).Padding(0, 1)
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	cursorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	controlStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	titleCaser    = cases.Title(language.English)
	controlHeight = 8
)

// runOpen drives the interactive terminal browser.
func runOpen(url string, profile Profile) error {
	updates := make(chan string, 32)
	opts := append(profile.options(), liveclient.OnUpdate(func(viewID string) {
		select {
		case updates <- viewID:
		default:
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	sock, err := liveclient.Open(ctx, url, opts...)
	if err != nil {
		cancel()
		return err
	}
	err = sock.Connect(ctx)
	cancel()
	if err != nil {
		sock.Close()
		return err
	}
	defer sock.Close()

	prog := tea.NewProgram(newBrowser(sock, updates), tea.WithAltScreen())
	_, err = prog.Run()
	return err
}

type patchMsg string

type replyMsg struct{ err error }

// browser is the bubbletea model of the open command: a viewport over the
// rendered document, a selectable list of bound controls, and an input
// line for typing into change-bound fields.
type browser struct {
	sock    *liveclient.Socket
	updates chan string

	vp    viewport.Model
	input textinput.Model
	sp    spinner.Model

	controls []liveclient.Control
	cursor   int
	typing   bool
	busy     bool
	lastErr  error

	width  int
	height int
	ready  bool
}

func newBrowser(sock *liveclient.Socket, updates chan string) *browser {
	sp := spinner.New(spinner.WithSpinner(spinner.MiniDot))
	input := textinput.New()
	input.Placeholder = "value"
	b := &browser{sock: sock, updates: updates, sp: sp, input: input}
	b.refresh()
	return b
}

func (b *browser) Init() tea.Cmd {
	return tea.Batch(b.sp.Tick, b.waitForPatch())
}

// waitForPatch delivers the socket's update-complete signals into the
// bubbletea loop.
func (b *browser) waitForPatch() tea.Cmd {
	return func() tea.Msg {
		return patchMsg(<-b.updates)
	}
}

// refresh re-reads the document and control list from the socket.
func (b *browser) refresh() {
	b.controls = b.sock.Controls()
	if b.cursor >= len(b.controls) {
		b.cursor = max(0, len(b.controls)-1)
	}
	if b.ready {
		b.vp.SetContent(renderText(b.sock.HTML()))
	}
}

func (b *browser) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		b.width, b.height = msg.Width, msg.Height
		vpHeight := max(3, b.height-controlHeight-2)
		if !b.ready {
			b.vp = viewport.New(b.width, vpHeight)
			b.ready = true
		} else {
			b.vp.Width, b.vp.Height = b.width, vpHeight
		}
		b.vp.SetContent(renderText(b.sock.HTML()))
		return b, nil

	case patchMsg:
		b.refresh()
		return b, b.waitForPatch()

	case replyMsg:
		b.busy = false
		b.lastErr = msg.err
		b.refresh()
		return b, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		b.sp, cmd = b.sp.Update(msg)
		return b, cmd

	case tea.KeyMsg:
		return b.handleKey(msg)
	}
	return b, nil
}

func (b *browser) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if b.typing {
		switch msg.String() {
		case "enter":
			b.typing = false
			b.input.Blur()
			return b, b.dispatchInput(b.input.Value())
		case "esc":
			b.typing = false
			b.input.Blur()
			return b, nil
		}
		var cmd tea.Cmd
		b.input, cmd = b.input.Update(msg)
		return b, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return b, tea.Quit
	case "up", "k":
		if b.cursor > 0 {
			b.cursor--
		}
	case "down", "j":
		if b.cursor < len(b.controls)-1 {
			b.cursor++
		}
	case "pgup", "pgdown":
		var cmd tea.Cmd
		b.vp, cmd = b.vp.Update(msg)
		return b, cmd
	case "r":
		b.refresh()
	case "enter", " ":
		return b, b.activate()
	}
	return b, nil
}

// activate dispatches the selected control: clicks and submits push
// immediately, change bindings open the input line first.
func (b *browser) activate() tea.Cmd {
	if b.busy || b.cursor >= len(b.controls) {
		return nil
	}
	ctl := b.controls[b.cursor]
	switch ctl.Kind {
	case "change":
		b.typing = true
		b.input.SetValue("")
		b.input.Placeholder = ctl.Label
		return b.input.Focus()
	case "click":
		return b.push(func(ctx context.Context) error {
			return b.sock.Click(ctx, ctl.Selector)
		})
	case "submit":
		return b.push(func(ctx context.Context) error {
			return b.sock.Submit(ctx, ctl.Selector)
		})
	case "keydown", "keyup":
		return b.push(func(ctx context.Context) error {
			if ctl.Kind == "keydown" {
				return b.sock.Keydown(ctx, ctl.Selector, "Enter")
			}
			return b.sock.Keyup(ctx, ctl.Selector, "Enter")
		})
	case "focus":
		return b.push(func(ctx context.Context) error {
			return b.sock.Focus(ctx, ctl.Selector)
		})
	case "blur":
		return b.push(func(ctx context.Context) error {
			return b.sock.Blur(ctx, ctl.Selector)
		})
	}
	return nil
}

func (b *browser) dispatchInput(value string) tea.Cmd {
	if b.cursor >= len(b.controls) {
		return nil
	}
	ctl := b.controls[b.cursor]
	return b.push(func(ctx context.Context) error {
		return b.sock.Input(ctx, ctl.Selector, value)
	})
}

// push runs one socket operation off the UI goroutine.
func (b *browser) push(fn func(context.Context) error) tea.Cmd {
	b.busy = true
	b.lastErr = nil
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return replyMsg{err: fn(ctx)}
	}
}

func (b *browser) View() string {
	if !b.ready {
		return "loading..."
	}
	var sections []string
	sections = append(sections, b.statusBar(), b.vp.View(), b.controlList())
	if b.typing {
		sections = append(sections, b.input.View())
	}
	sections = append(sections, helpStyle.Render("↑/↓ select · enter activate · r refresh · pgup/pgdn scroll · q quit"))
	return strings.Join(sections, "\n")
}

func (b *browser) statusBar() string {
	state := okStyle.Render("connected")
	if !b.sock.Connected() {
		state = badStyle.Render("disconnected")
	}
	m := b.sock.Metrics()
	views := titleCaser.String(strings.Join(b.sock.Views(), ", "))
	line := fmt.Sprintf("%s  %s  views: %s  diffs: %d  events: %d", state, b.sock.Href(), views, m.DiffsApplied, m.EventsPushed)
	if b.busy {
		line += "  " + b.sp.View()
	}
	if b.lastErr != nil {
		line += "  " + badStyle.Render(b.lastErr.Error())
	}
	return statusStyle.Width(b.width).Render(line)
}

func (b *browser) controlList() string {
	if len(b.controls) == 0 {
		return controlStyle.Render("(no bound controls)")
	}
	top := max(0, b.cursor-controlHeight/2)
	end := min(len(b.controls), top+controlHeight-2)
	var lines []string
	for i := top; i < end; i++ {
		ctl := b.controls[i]
		line := fmt.Sprintf("%-7s %-20s %s", ctl.Kind, ctl.Event, ctl.Label)
		if i == b.cursor {
			lines = append(lines, cursorStyle.Render("> "+line))
		} else {
			lines = append(lines, controlStyle.Render("  "+line))
		}
	}
	return strings.Join(lines, "\n")
}

package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/kilnworks/kiln/types"
)

// ProgressMsg delivers one fetch progress signal to the model.
type ProgressMsg struct {
	Event *types.ProgressEvent
}

// DoneMsg tells the model the job terminated. Err carries the job-level
// failure; nil means a Reply arrived, though individual items may still
// have failed.
type DoneMsg struct {
	Err error
}

// Display-only statuses. Once an item finishes, its status mirrors
// types.ItemStatus.
const (
	statusPending     = "pending"
	statusDownloading = "downloading"
)

// itemState tracks one item's display row.
type itemState struct {
	status string
	done   int64
	total  int64
	errMsg string
}

// FetchModel is the Bubble Tea model for a running fetch job: one row per
// requested item, updated from progress signals.
type FetchModel struct {
	jobID string
	order []string // request order, stable for display
	items map[string]*itemState
	bar   progress.Model

	width    int
	err      error
	done     bool
	quitting bool
}

// NewFetchModel creates a model displaying one row per requested item.
func NewFetchModel(jobID string, itemKeys []string) FetchModel {
	items := make(map[string]*itemState, len(itemKeys))
	for _, k := range itemKeys {
		items[k] = &itemState{status: statusPending}
	}
	return FetchModel{
		jobID: jobID,
		order: append([]string(nil), itemKeys...),
		items: items,
		bar:   progress.New(progress.WithGradient("#F59E0B", "#10B981"), progress.WithWidth(30)),
	}
}

// Init implements tea.Model.
func (m FetchModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m FetchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if w := msg.Width - 40; w >= 10 && w <= 40 {
			m.bar.Width = w
		}
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}

	case ProgressMsg:
		m.apply(msg.Event)
		return m, nil

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit
	}

	return m, nil
}

// apply folds one progress event into the item table. Events for unknown
// keys are dropped rather than crashing the display.
func (m *FetchModel) apply(ev *types.ProgressEvent) {
	if ev == nil {
		return
	}
	item, ok := m.items[ev.Checksum]
	if !ok {
		return
	}

	switch ev.Event {
	case types.ProgressItemStarted:
		item.status = statusDownloading
	case types.ProgressItemProgress:
		item.status = statusDownloading
		item.done = ev.BytesDone
		item.total = ev.BytesTotal
	case types.ProgressItemFinished:
		if ev.Outcome == nil {
			return
		}
		item.status = string(ev.Outcome.Status)
		if ev.Outcome.Error != nil {
			item.errMsg = ev.Outcome.Error.Message
		}
	}
}

// View implements tea.Model.
func (m FetchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("Fetching %d items (job %s)", len(m.order), m.jobID)))
	b.WriteString("\n\n")

	for _, k := range m.order {
		b.WriteString(m.renderRow(k))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderSummary())
	if !m.done {
		b.WriteString(HelpStyle.Render("\nPress q to detach; the job keeps running"))
	}
	return b.String()
}

func (m FetchModel) renderRow(k string) string {
	item := m.items[k]
	label := KeyStyle.Render(shortKey(k))

	switch item.status {
	case statusPending:
		return fmt.Sprintf("  %s %s %s", WarningStyle.Render("·"), label, WarningStyle.Render(statusPending))
	case statusDownloading:
		if item.total > 0 {
			pct := float64(item.done) / float64(item.total)
			if pct > 1 {
				pct = 1
			}
			return fmt.Sprintf("  %s %s %s", label, m.bar.ViewAs(pct),
				ValueStyle.Render(humanBytes(item.done)+" / "+humanBytes(item.total)))
		}
		return fmt.Sprintf("  %s %s %s", WarningStyle.Render("↓"), label, ValueStyle.Render(humanBytes(item.done)))
	case string(types.ItemStatusFailed):
		return fmt.Sprintf("  %s %s %s", ErrorStyle.Render("✗"), label, ErrorStyle.Render(item.errMsg))
	default: // fetched, cached
		return fmt.Sprintf("  %s %s %s", SuccessStyle.Render("✓"), label, StatusStyle(item.status).Render(item.status))
	}
}

func (m FetchModel) renderSummary() string {
	if m.done && m.err != nil {
		return ErrorStyle.Render("job failed: " + m.err.Error())
	}

	var fetched, cached, failed, active int
	for _, item := range m.items {
		switch item.status {
		case string(types.ItemStatusFetched):
			fetched++
		case string(types.ItemStatusCached):
			cached++
		case string(types.ItemStatusFailed):
			failed++
		default:
			active++
		}
	}
	return ValueStyle.Render(fmt.Sprintf("%d fetched, %d cached, %d failed, %d in flight",
		fetched, cached, failed, active))
}

// shortKey abbreviates a checksum key for display. The digest tail rarely
// helps a human and the full form overflows narrow terminals.
func shortKey(k string) string {
	algo, digest, ok := strings.Cut(k, ":")
	if !ok || len(digest) <= 12 {
		return k
	}
	return algo + ":" + digest[:12] + "…"
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for rest := n / unit; rest >= unit; rest /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// Program wraps a running fetch display so the command layer can pump
// progress events into it from the signal callback goroutine.
type Program struct {
	p *tea.Program
}

// NewProgram builds the display for one fetch job.
func NewProgram(jobID string, itemKeys []string) *Program {
	return &Program{p: tea.NewProgram(NewFetchModel(jobID, itemKeys), tea.WithAltScreen())}
}

// Send delivers one progress event. Safe from any goroutine.
func (p *Program) Send(ev *types.ProgressEvent) {
	p.p.Send(ProgressMsg{Event: ev})
}

// Done tells the display the job terminated and unblocks Run.
func (p *Program) Done(err error) {
	p.p.Send(DoneMsg{Err: err})
}

// Run blocks until the job terminates or the user detaches.
func (p *Program) Run() error {
	_, err := p.p.Run()
	return err
}

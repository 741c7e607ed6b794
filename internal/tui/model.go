// Package tui is the terminal front end: it follows task activity from the
// event bus and lets the user answer requests pushed by the presentation
// hub.
package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/presentation"
)

// Feed is the presentation channel the TUI reads requests from and sends
// answers to. *presentation.Hub implements it.
type Feed interface {
	Subscribe(contextID string) (<-chan presentation.Message, func())
	Respond(ctx context.Context, contextID, requestID string, data map[string]any) error
}

var _ Feed = (*presentation.Hub)(nil)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneRequests
	PaneStatus
)

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane    TaskPaneModel
	requestPane RequestPaneModel
	statusPane  StatusPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	messageSub  <-chan presentation.Message
	unsubscribe func()
	width       int
	height      int
	quitting    bool
}

// New creates a new TUI model. It follows every task: change notifications
// come from bus and requests from feed.
func New(bus *events.EventBus, feed Feed) Model {
	messages, unsubscribe := feed.Subscribe(presentation.AllTasks)
	return Model{
		taskPane:    NewTaskPaneModel(),
		requestPane: NewRequestPaneModel(feed),
		statusPane:  NewStatusPaneModel(),
		focusedPane: PaneTasks,
		eventSub:    bus.SubscribeAll(256),
		messageSub:  messages,
		unsubscribe: unsubscribe,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), waitForMessage(m.messageSub))
}

// waitForEvent returns a command that waits for the next bus event.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil
		}
		return event
	}
}

// waitForMessage returns a command that waits for the next presentation
// message.
func waitForMessage(sub <-chan presentation.Message) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-sub
		if !ok {
			return nil
		}
		return msg
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// An open answer form takes every key.
		if m.requestPane.Editing() {
			var cmd tea.Cmd
			m.requestPane, cmd = m.requestPane.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			if m.unsubscribe != nil {
				m.unsubscribe()
			}
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 3
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + 2) % 3
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneRequests
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneStatus
			m.updateFocusStates()

		default:
			switch m.focusedPane {
			case PaneTasks:
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
				m.requestPane.SetTask(m.taskPane.Selected())
			case PaneRequests:
				var cmd tea.Cmd
				m.requestPane, cmd = m.requestPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.Notification:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.requestPane.SetTask(m.taskPane.Selected())
		m.statusPane.SetCounts(m.taskPane.Counts())
		cmds = append(cmds, waitForEvent(m.eventSub))

	case presentation.Message:
		var cmd tea.Cmd
		m.requestPane, cmd = m.requestPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForMessage(m.messageSub))

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case responseMsg:
		var cmd tea.Cmd
		m.requestPane, cmd = m.requestPane.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	rightPane := lipgloss.JoinVertical(lipgloss.Left, m.requestPane.View(), m.statusPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), rightPane)
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 45) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1
	rightTopHeight := (availableHeight * 65) / 100
	rightBottomHeight := availableHeight - rightTopHeight

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.requestPane.SetSize(rightWidth, rightTopHeight)
	m.statusPane.SetSize(rightWidth, rightBottomHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.requestPane.SetFocused(m.focusedPane == PaneRequests)
	m.statusPane.SetFocused(m.focusedPane == PaneStatus)
}

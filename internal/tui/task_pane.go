package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/model"
)

// TaskState is what the TUI knows about one task, built from change
// notifications.
type TaskState struct {
	ID        string
	Status    model.TaskStatus
	Phase     string
	Activity  []string
	StartTime time.Time
	Updated   time.Time
}

// TaskPaneModel is the task list with the selected task's activity log.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	taskOrder   []string
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg debounces viewport refreshes.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.Notification:
		task := m.track(msg)
		apply(task, msg)
		if m.Selected() == msg.Task {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// track returns the state of the notification's task, adding it on first
// sight. Tasks created before the TUI started show up on their next change.
func (m *TaskPaneModel) track(n events.Notification) *TaskState {
	if task, ok := m.tasks[n.Task]; ok {
		return task
	}
	task := &TaskState{
		ID:        n.Task,
		Status:    model.StatusInProgress,
		StartTime: n.Timestamp,
	}
	m.tasks[n.Task] = task
	m.taskOrder = append(m.taskOrder, n.Task)
	if len(m.taskOrder) == 1 {
		m.selectedIdx = 0
		m.updateViewportContent()
	}
	return task
}

// apply folds one notification into the task's display state. Status is
// approximated from the operation; the event log stays authoritative.
func apply(task *TaskState, n events.Notification) {
	op := model.Operation(n.Type)
	switch op {
	case model.OpTaskCreated:
		task.Status = model.StatusPending
	case model.OpPhaseStarted, model.OpUserResponseReceived, model.OpTaskRecovered:
		if task.Status != model.StatusCompleted && task.Status != model.StatusFailed {
			task.Status = model.StatusInProgress
		}
	case model.OpPhaseBlocked:
		task.Status = model.StatusWaitingForInput
	case model.OpTaskCompleted:
		task.Status = model.StatusCompleted
	case model.OpTaskFailed:
		task.Status = model.StatusFailed
	}
	if op == model.OpPhaseStarted || op == model.OpPhaseBlocked || op == model.OpPhaseCompleted {
		if p, err := model.DecodePayload(op, n.Payload); err == nil {
			switch p := p.(type) {
			case model.PhaseStarted:
				task.Phase = p.Phase
			case model.PhaseBlocked:
				task.Phase = p.Phase
			case model.PhaseCompleted:
				task.Phase = p.Phase
			}
		}
	}
	task.Updated = n.Timestamp
	task.Activity = append(task.Activity, fmt.Sprintf("%s  #%d %s", n.Timestamp.Format("15:04:05"), n.Sequence, n.Type))
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 25
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	} else {
		for i, id := range m.taskOrder {
			name := id
			if len(name) > width-6 {
				name = name[:width-9] + "..."
			}

			line := fmt.Sprintf("%s %s", StatusIcon(m.tasks[id].Status), name)
			if i == m.selectedIdx {
				line = StyleSelected.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status model.TaskStatus) string {
	switch status {
	case model.StatusInProgress:
		return StyleStatusRunning.Render("●")
	case model.StatusWaitingForInput:
		return StyleStatusWaiting.Render("?")
	case model.StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case model.StatusFailed:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

// Selected returns the id of the selected task, or "".
func (m TaskPaneModel) Selected() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// Task returns the display state of a task.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	task, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *task, true
}

// Counts returns the number of tracked tasks per status.
func (m TaskPaneModel) Counts() map[model.TaskStatus]int {
	counts := make(map[model.TaskStatus]int)
	for _, task := range m.tasks {
		counts[task.Status]++
	}
	return counts
}

func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.Selected()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s  %s", task.ID, task.Status)
	if task.Phase != "" {
		header += "  phase " + task.Phase
	}
	m.viewport.SetContent(header + "\n\n" + strings.Join(task.Activity, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	listWidth := 25
	viewportWidth := m.width - listWidth - 4
	viewportHeight := m.height - 4

	if viewportWidth < 10 {
		viewportWidth = 10
	}
	if viewportHeight < 5 {
		viewportHeight = 5
	}

	m.viewport.Width = viewportWidth
	m.viewport.Height = viewportHeight
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

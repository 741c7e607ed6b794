package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/presentation"
)

// responseTimeout bounds one answer submission, which may run the task's
// next phases before returning.
const responseTimeout = 5 * time.Minute

// answerField is used for requests that declare no fields.
var answerField = model.UIField{Name: "response", Label: "Response", Type: "text", Required: true}

// responseMsg reports the outcome of a submitted answer.
type responseMsg struct {
	contextID string
	requestID string
	err       error
}

// requestForm collects the answer to one request, one field at a time.
type requestForm struct {
	request model.UIRequest
	fields  []model.UIField
	idx     int
	values  map[string]any
}

// RequestPaneModel lists the open requests of the selected task and
// collects answers for them.
type RequestPaneModel struct {
	feed     Feed
	requests map[string][]model.UIRequest
	notes    map[string]string
	task     string
	selected int
	form     *requestForm
	input    textinput.Model
	lastErr  string
	width    int
	height   int
	focused  bool
}

// NewRequestPaneModel creates a request pane that submits answers to feed.
func NewRequestPaneModel(feed Feed) RequestPaneModel {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.CharLimit = 512
	return RequestPaneModel{
		feed:     feed,
		requests: make(map[string][]model.UIRequest),
		notes:    make(map[string]string),
		input:    ti,
	}
}

// Update handles messages for the request pane.
func (m RequestPaneModel) Update(msg tea.Msg) (RequestPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case presentation.Message:
		switch msg.Kind {
		case presentation.KindRequests:
			m.add(msg.ContextID, msg.Requests)
		case presentation.KindStatus:
			note := string(msg.Status)
			if msg.Reason != "" {
				note += ": " + msg.Reason
			}
			m.notes[msg.ContextID] = note
		}

	case responseMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
			break
		}
		m.lastErr = ""
		m.remove(msg.contextID, msg.requestID)

	case tea.KeyMsg:
		if m.form != nil {
			return m.updateForm(msg)
		}
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selected < len(m.requests[m.task])-1 {
				m.selected++
			}
		case KeyK, KeyUp:
			if m.selected > 0 {
				m.selected--
			}
		case KeyEnter:
			return m.openForm()
		}
	}
	return m, nil
}

func (m RequestPaneModel) openForm() (RequestPaneModel, tea.Cmd) {
	open := m.requests[m.task]
	if m.selected >= len(open) {
		return m, nil
	}
	req := open[m.selected]
	fields := req.Fields
	if len(fields) == 0 {
		fields = []model.UIField{answerField}
	}
	m.form = &requestForm{request: req, fields: fields, values: make(map[string]any)}
	m.lastErr = ""
	m.input.Reset()
	m.input.Placeholder = fields[0].Label
	return m, m.input.Focus()
}

func (m RequestPaneModel) updateForm(msg tea.KeyMsg) (RequestPaneModel, tea.Cmd) {
	switch msg.String() {
	case KeyEsc:
		m.closeForm()
		return m, nil

	case KeyEnter:
		field := m.form.fields[m.form.idx]
		raw := strings.TrimSpace(m.input.Value())
		if raw == "" && field.Required {
			m.lastErr = field.Label + " is required"
			return m, nil
		}
		m.lastErr = ""
		if raw != "" {
			m.form.values[field.Name] = fieldValue(field, raw)
		}
		m.form.idx++
		m.input.Reset()
		if m.form.idx < len(m.form.fields) {
			m.input.Placeholder = m.form.fields[m.form.idx].Label
			return m, nil
		}
		cmd := m.submit(m.form.request, m.form.values)
		m.closeForm()
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *RequestPaneModel) closeForm() {
	m.form = nil
	m.input.Blur()
	m.input.Reset()
}

// submit returns a command that hands the answer to the feed.
func (m RequestPaneModel) submit(req model.UIRequest, data map[string]any) tea.Cmd {
	feed := m.feed
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), responseTimeout)
		defer cancel()
		err := feed.Respond(ctx, req.ContextID, req.ID, data)
		return responseMsg{contextID: req.ContextID, requestID: req.ID, err: err}
	}
}

// fieldValue converts typed input for number and boolean fields.
func fieldValue(field model.UIField, raw string) any {
	switch field.Type {
	case "number":
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	case "boolean", "checkbox":
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	}
	return raw
}

func (m *RequestPaneModel) add(contextID string, reqs []model.UIRequest) {
	open := m.requests[contextID]
	for _, r := range reqs {
		if r.ContextID == "" {
			r.ContextID = contextID
		}
		known := false
		for _, o := range open {
			if o.ID == r.ID {
				known = true
				break
			}
		}
		if !known {
			open = append(open, r)
		}
	}
	m.requests[contextID] = open
}

func (m *RequestPaneModel) remove(contextID, requestID string) {
	open := m.requests[contextID]
	for i, r := range open {
		if r.ID == requestID {
			m.requests[contextID] = append(open[:i:i], open[i+1:]...)
			break
		}
	}
	if len(m.requests[contextID]) == 0 {
		delete(m.requests, contextID)
	}
	if m.selected > 0 && m.selected >= len(m.requests[m.task]) {
		m.selected = len(m.requests[m.task]) - 1
	}
}

// Open returns the unanswered requests of a task in delivery order.
func (m RequestPaneModel) Open(contextID string) []model.UIRequest {
	return m.requests[contextID]
}

// Editing reports whether an answer is being typed.
func (m RequestPaneModel) Editing() bool {
	return m.form != nil
}

// SetTask selects the task whose requests are shown.
func (m *RequestPaneModel) SetTask(contextID string) {
	if m.task == contextID {
		return
	}
	m.task = contextID
	m.selected = 0
}

// View renders the request pane.
func (m RequestPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Requests")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if note, ok := m.notes[m.task]; ok {
		b.WriteString(StyleStatusWaiting.Render(note))
		b.WriteString("\n\n")
	}

	open := m.requests[m.task]
	if len(open) == 0 {
		b.WriteString(StyleStatusPending.Render("No open requests"))
		b.WriteString("\n")
	}
	for i, r := range open {
		line := fmt.Sprintf("[%s] %s", r.Type, r.Title)
		if i == m.selected {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
		if i == m.selected && r.Description != "" {
			b.WriteString("    " + r.Description + "\n")
		}
	}

	if m.form != nil {
		field := m.form.fields[m.form.idx]
		fmt.Fprintf(&b, "\n%s (%d/%d)\n", field.Label, m.form.idx+1, len(m.form.fields))
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
	if m.lastErr != "" {
		b.WriteString("\n")
		b.WriteString(StyleError.Render(m.lastErr))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *RequestPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.input.Width = max(10, w-8)
}

// SetFocused updates the focus state.
func (m *RequestPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

// Package tui renders a live view of one run: the current iteration and
// stage, task attempts as they finish, and the final decision.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/lexcodex/goalloop/agents/iteration"
	"github.com/lexcodex/goalloop/framework"
)

const maxFeedLines = 14

// RunFunc executes the run, emitting its events to events.
type RunFunc func(ctx context.Context, events framework.Telemetry) (*iteration.RunResult, error)

// Run drives fn under a Bubble Tea program and returns its result once the
// run finishes or the user interrupts it.
func Run(ctx context.Context, goal string, fn RunFunc) (*iteration.RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sink := framework.NewChannelTelemetry(512)
	model := NewModel(goal, sink.C, cancel)
	program := tea.NewProgram(model, tea.WithContext(ctx))
	go func() {
		result, err := fn(runCtx, sink)
		program.Send(doneMsg{result: result, err: err})
	}()
	final, err := program.Run()
	if err != nil {
		return nil, err
	}
	m := final.(Model)
	return m.result, m.err
}

type eventMsg framework.Event

type doneMsg struct {
	result *iteration.RunResult
	err    error
}

// Model implements tea.Model.
type Model struct {
	goal      string
	events    <-chan framework.Event
	cancel    context.CancelFunc
	spinner   spinner.Model
	started   time.Time
	iteration int
	stage     string
	feed      []string
	done      bool
	result    *iteration.RunResult
	err       error
}

// NewModel builds the view over an event channel. cancel is called when the
// user quits early and may be nil.
func NewModel(goal string, events <-chan framework.Event, cancel context.CancelFunc) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = inProgressStyle
	return Model{
		goal:    goal,
		events:  events,
		cancel:  cancel,
		spinner: s,
		started: time.Now(),
	}
}

// Init starts the spinner and the event pump.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func waitForEvent(events <-chan framework.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return nil
		}
		return eventMsg(event)
	}
}

// Update applies events, key presses and the final result.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.cancel != nil {
				m.cancel()
			}
			if m.done {
				return m, tea.Quit
			}
			m.feed = appendLine(m.feed, errorStyle.Render("interrupt requested"))
		}
		return m, nil
	case eventMsg:
		m = m.apply(framework.Event(msg))
		return m, waitForEvent(m.events)
	case doneMsg:
		m.done = true
		m.result = msg.result
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) apply(event framework.Event) Model {
	switch event.Type {
	case framework.EventIterationStart:
		m.iteration = event.Iteration
		m.feed = appendLine(m.feed, sectionHeaderStyle.Render(fmt.Sprintf("iteration %d", event.Iteration)))
	case framework.EventStageStart:
		m.stage = event.NodeID
	case framework.EventRunFinish:
		m.stage = ""
	case framework.EventStageRepair:
		m.feed = appendLine(m.feed, inProgressStyle.Render(fmt.Sprintf("  %s output repaired: %s", event.NodeID, event.Message)))
	case framework.EventStageError:
		m.feed = appendLine(m.feed, errorStyle.Render("  failed: "+event.Message))
	case framework.EventAttemptFinish:
		attempt := event.Metadata["attempt"]
		line := fmt.Sprintf("  %s via %s attempt %v", event.TaskID, event.NodeID, attempt)
		if ok, _ := event.Metadata["success"].(bool); ok {
			m.feed = appendLine(m.feed, completedStyle.Render("✓"+line))
		} else {
			reason, _ := event.Metadata["error"].(string)
			m.feed = appendLine(m.feed, errorStyle.Render("✗"+line)+dimStyle.Render(" "+reason))
		}
	case framework.EventVerdict:
		m.feed = appendLine(m.feed, dimStyle.Render(fmt.Sprintf("    critic on %s: %s", event.TaskID, event.Message)))
	case framework.EventDecision:
		reason, _ := event.Metadata["reason"].(string)
		m.feed = appendLine(m.feed, headerStyle.Render("  decision: "+event.Message)+dimStyle.Render(" "+reason))
	}
	return m
}

func appendLine(feed []string, line string) []string {
	feed = append(feed, line)
	if len(feed) > maxFeedLines {
		feed = feed[len(feed)-maxFeedLines:]
	}
	return feed
}

// View renders the header, the feed and the status line.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("goal: "))
	b.WriteString(m.goal)
	b.WriteString("\n\n")
	for _, line := range m.feed {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	if m.done {
		b.WriteString(m.summary())
		b.WriteString("\n")
		return b.String()
	}
	status := fmt.Sprintf("%s iteration %d", m.spinner.View(), m.iteration)
	if m.stage != "" {
		status += " · " + m.stage
	}
	status += fmt.Sprintf(" · %s", time.Since(m.started).Round(time.Second))
	b.WriteString(statusStyle.Render(status))
	b.WriteString(dimStyle.Render("  q to interrupt"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) summary() string {
	if m.result == nil {
		msg := "run failed"
		if m.err != nil {
			msg = m.err.Error()
		}
		return resultBoxStyle.Render(errorStyle.Render(msg))
	}
	style := completedStyle
	if m.result.Status != iteration.StatusCompleted {
		style = errorStyle
	}
	lines := []string{
		style.Render(string(m.result.Status)),
		fmt.Sprintf("run %s · %d iteration(s)", m.result.Run.ID, len(m.result.Iterations)),
	}
	if m.result.Intent != "" {
		lines = append(lines, "intent: "+string(m.result.Intent))
	}
	if m.result.Decision.Reason != "" {
		lines = append(lines, "decision: "+string(m.result.Decision.Action)+" ("+m.result.Decision.Reason+")")
	}
	if m.result.Error != "" {
		lines = append(lines, errorStyle.Render(m.result.Error))
	}
	return resultBoxStyle.Render(strings.Join(lines, "\n"))
}

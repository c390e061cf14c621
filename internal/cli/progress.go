package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/enrybds/sayless/internal/runner"
	"github.com/enrybds/sayless/internal/service"
)

// plainInterval throttles progress lines in non-interactive mode.
const plainInterval = 2 * time.Second

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Warning    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Warning:    lipgloss.Color("#FFAF00"), // amber
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) warningStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warning).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// progressMsg carries a runner progress snapshot.
type progressMsg runner.Progress

// doneMsg ends the UI once the run has returned.
type doneMsg struct{}

// progressModel is the bubbletea model for a stage run.
type progressModel struct {
	title    string
	current  runner.Progress
	progress progress.Model
	theme    Theme

	// interrupt is called on Ctrl+C. With detach set the UI quits
	// immediately instead of waiting for the run to stop.
	interrupt func()
	detach    bool

	pausing  bool
	quitting bool
	done     bool
}

func newProgressModel(title string, interrupt func(), detach bool) progressModel {
	return progressModel{
		title: title,
		progress: progress.New(
			progress.WithDefaultBlend(),
			progress.WithWidth(40),
		),
		theme:     defaultTheme,
		interrupt: interrupt,
		detach:    detach,
	}
}

// Init starts the progress bar.
func (m progressModel) Init() tea.Cmd {
	return m.progress.Init()
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.detach {
				m.quitting = true
				return m, tea.Quit
			}
			if !m.pausing {
				m.pausing = true
				if m.interrupt != nil {
					m.interrupt()
				}
			}
		}

	case progressMsg:
		m.current = runner.Progress(msg)
		return m, nil

	case doneMsg:
		m.done = true
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return ""
	}

	var pct float64
	if m.current.Total > 0 {
		pct = float64(m.current.Cursor) / float64(m.current.Total)
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s %s]", m.title, m.current.State))
	counts := fmt.Sprintf("%d/%d", m.current.Cursor, m.current.Total)
	s := m.current.Stats
	detail := fmt.Sprintf("ok %d  failed %d  cached %d  cost ~$%.4f", s.Succeeded, s.Failed, s.Cached, s.Cost)

	hint := "Press Ctrl+C to pause (progress is saved)"
	switch {
	case m.detach:
		hint = "Press Ctrl+C to continue in background"
	case m.pausing:
		hint = "Pausing, waiting for in-flight items..."
	}

	return fmt.Sprintf("%s %s %s\n%s\n%s\n", status, m.progress.ViewAs(pct), counts, detail, m.theme.hintStyle().Render(hint))
}

// runFunc runs a stage and reports progress through onProgress.
type runFunc func(ctx context.Context, onProgress func(runner.Progress)) (runner.Report, error)

// runWithProgress runs fn with the interactive progress bar on a terminal,
// or with throttled log lines otherwise. Ctrl+C pauses the run in both
// modes; the returned report reflects the persisted state.
func runWithProgress(ctx context.Context, title string, fn runFunc) (runner.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !interactive() {
		return fn(ctx, plainProgress(title, time.Now))
	}

	p := tea.NewProgram(newProgressModel(title, cancel, false))

	type result struct {
		report runner.Report
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		report, err := fn(ctx, func(pr runner.Progress) {
			p.Send(progressMsg(pr))
		})
		resCh <- result{report, err}
		p.Send(doneMsg{})
	}()

	if _, err := p.Run(); err != nil {
		// The UI failed; stop the run and still report what was saved.
		cancel()
		logger.Warn("progress UI failed", "error", err)
	}
	res := <-resCh
	return res.report, res.err
}

// plainProgress logs progress at most every plainInterval, and always for
// the final snapshot.
func plainProgress(title string, now func() time.Time) func(runner.Progress) {
	var last time.Time
	return func(p runner.Progress) {
		final := p.Total > 0 && p.Cursor >= p.Total
		if !final && now().Sub(last) < plainInterval {
			return
		}
		last = now()
		logger.Info("progress",
			"stage", title,
			"cursor", p.Cursor,
			"total", p.Total,
			"succeeded", p.Stats.Succeeded,
			"failed", p.Stats.Failed,
			"cached", p.Stats.Cached,
		)
	}
}

// watchJob follows a server job with the progress bar. Ctrl+C detaches and
// the job keeps running on the server.
func watchJob(ctx context.Context, title string, follow func(ctx context.Context, onUpdate func(service.JobInfo) error) (*service.JobInfo, error)) (*service.JobInfo, bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !interactive() {
		log := plainProgress(title, time.Now)
		job, err := follow(ctx, func(j service.JobInfo) error {
			log(jobProgress(j))
			return nil
		})
		return job, false, err
	}

	p := tea.NewProgram(newProgressModel(title, nil, true))

	type result struct {
		job *service.JobInfo
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		job, err := follow(ctx, func(j service.JobInfo) error {
			p.Send(progressMsg(jobProgress(j)))
			return nil
		})
		resCh <- result{job, err}
		p.Send(doneMsg{})
	}()

	final, err := p.Run()
	if err != nil {
		logger.Warn("progress UI failed", "error", err)
	}
	if m, ok := final.(progressModel); ok && m.quitting {
		cancel()
		<-resCh
		return nil, true, nil
	}
	res := <-resCh
	return res.job, false, res.err
}

// jobProgress maps a server job snapshot onto the runner's progress shape.
func jobProgress(j service.JobInfo) runner.Progress {
	state := runner.StateRunning
	switch j.Status {
	case service.JobStatusPending:
		state = runner.StateIdle
	case service.JobStatusCompleted:
		state = runner.StateCompleted
	case service.JobStatusPaused:
		state = runner.StatePaused
	case service.JobStatusFailed, service.JobStatusAborted:
		state = runner.StateAborted
	}
	return runner.Progress{
		Name:   j.Type,
		State:  state,
		Stats:  j.Stats,
		Cursor: j.Progress,
		Total:  j.Total,
	}
}

// printReport writes the final run summary.
func printReport(w io.Writer, r runner.Report, runErr error) {
	t := defaultTheme
	var header string
	switch {
	case runErr != nil || r.State == runner.StateAborted:
		header = t.errorStyle().Render(fmt.Sprintf("✗ %s %s", r.Name, r.State))
	case r.State == runner.StatePaused:
		header = t.warningStyle().Render(fmt.Sprintf("⏸ %s paused", r.Name))
	default:
		header = t.completedStyle().Render(fmt.Sprintf("✓ %s %s", r.Name, r.State))
	}

	var b strings.Builder
	b.WriteString(header + "\n\n")
	fmt.Fprintf(&b, "  Succeeded:   %d\n", r.Stats.Succeeded)
	fmt.Fprintf(&b, "  Failed:      %d\n", r.Stats.Failed)
	fmt.Fprintf(&b, "  Cached:      %d\n", r.Stats.Cached)
	if r.Stats.Interrupted > 0 {
		fmt.Fprintf(&b, "  Interrupted: %d\n", r.Stats.Interrupted)
	}
	fmt.Fprintf(&b, "  Calls:       %d\n", r.Stats.Calls)
	fmt.Fprintf(&b, "  Cost:        ~$%.4f\n", r.Stats.Cost)
	fmt.Fprintf(&b, "  Elapsed:     %s\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(&b, "  Resume at:   %d\n", r.Resume)
	if r.Capped {
		b.WriteString(t.hintStyle().Render("  Stopped at --max-items; run again to continue.") + "\n")
	}

	if len(r.Stats.Failures) > 0 {
		b.WriteString(t.errorStyle().Render(fmt.Sprintf("\nFailures (%d):", len(r.Stats.Failures))) + "\n")
		for _, f := range r.Stats.Failures {
			fmt.Fprintf(&b, "  • %s [%s after %d attempts]: %s\n", f.Key, f.Kind, f.Attempts, f.Reason)
		}
	}
	if runErr != nil {
		b.WriteString(t.errorStyle().Render("\nError: "+runErr.Error()) + "\n")
	}

	fmt.Fprint(w, b.String())
}

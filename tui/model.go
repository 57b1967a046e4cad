package tui

import (
	"fmt"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// callbackWait bounds how long the countdown runs while waiting for sign-in.
const callbackWait = 5 * time.Minute

// maxStatusLines keeps a long-running daemon from growing the log forever.
const maxStatusLines = 12

// countdownMsg is fired every second while waiting for the provider callback.
type countdownMsg time.Time

// phase is what the command is busy with.
type phase int

const (
	phaseWorking phase = iota
	phaseSignIn
	phaseVerifying
	phaseRenewing
	phaseDone
	phaseFailed
)

var activity = map[phase]string{
	phaseWorking:   "Working...",
	phaseSignIn:    "Waiting for sign-in...",
	phaseVerifying: "Verifying session...",
	phaseRenewing:  "Renewing session...",
}

type logLevel int

const (
	levelOK logLevel = iota
	levelWarn
	levelInfo
)

type logLine struct {
	level logLevel
	text  string
}

// Model is the BubbleTea model for the session client TUI.
type Model struct {
	phase   phase
	spinner spinner.Model
	width   int

	serverURL string
	mode      string

	provider  string
	authURL   string
	deadline  time.Time
	remaining time.Duration

	tokenPreview string
	expiresIn    time.Duration
	body         string
	errMsg       string

	log []logLine
}

var (
	accent = lipgloss.Color("99")
	link   = lipgloss.Color("228")

	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(accent).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accent).
			Padding(0, 2)

	styleURL = lipgloss.NewStyle().
			Foreground(link).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(link).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().Bold(true).Width(17)
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	return Model{
		phase: phaseWorking,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.MiniDot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(accent)),
		),
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case countdownMsg:
		if m.phase != phaseSignIn {
			return m, nil
		}
		m.remaining = max(time.Until(m.deadline), 0)
		if m.remaining > 0 {
			return m, countdown()
		}

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case MsgWaitingForCallback:
		m.phase = phaseSignIn
		m.deadline = time.Now().Add(callbackWait)
		m.remaining = callbackWait
		return m, countdown()

	default:
		m.apply(msg)
	}
	return m, nil
}

// apply folds a session event into the model.
func (m *Model) apply(msg tea.Msg) {
	switch msg := msg.(type) {
	case MsgBanner:
		m.serverURL, m.mode = msg.ServerURL, msg.Mode
	case MsgInitializing:
		m.phase = phaseWorking
	case MsgReady:
		if msg.User == "" {
			m.record(levelInfo, "Session "+msg.State)
		} else {
			m.record(levelOK, fmt.Sprintf("Session %s as %s", msg.State, msg.User))
		}
	case MsgLoginStarted:
		m.provider = msg.Provider
		m.record(levelInfo, "Signing in with "+msg.Provider)
	case MsgAuthURL:
		m.authURL = msg.URL
	case MsgLoginOK:
		m.phase = phaseWorking
		m.record(levelOK, "Signed in as "+msg.User)
	case MsgLoginFailed:
		m.phase = phaseWorking
		m.record(levelWarn, fmt.Sprintf("Sign-in failed: %v", msg.Err))
	case MsgGuestSession:
		m.record(levelInfo, "Guest session "+msg.ID)
	case MsgGuestMigrated:
		if msg.Err != nil {
			m.record(levelWarn, fmt.Sprintf("Guest data not migrated: %v", msg.Err))
		} else {
			m.record(levelOK, "Guest data migrated ("+msg.ID+")")
		}
	case MsgVerifying:
		m.phase = phaseVerifying
	case MsgVerifyOK:
		m.phase = phaseWorking
		m.record(levelOK, "Session verified")
	case MsgVerifyFailed:
		m.phase = phaseWorking
		m.record(levelWarn, fmt.Sprintf("Verification failed: %v", msg.Err))
	case MsgRenewing:
		m.phase = phaseRenewing
	case MsgRenewOK:
		m.phase = phaseWorking
		if msg.Expiry.IsZero() {
			m.record(levelOK, "Session renewed")
		} else {
			m.record(levelOK, "Session renewed until "+msg.Expiry.Format(time.Kitchen))
		}
	case MsgRenewFailed:
		m.phase = phaseWorking
		m.record(levelWarn, fmt.Sprintf("Renewal failed: %v", msg.Err))
	case MsgAPICallOK:
		m.body = msg.Body
		m.record(levelOK, fmt.Sprintf("API call successful (%d)", msg.Status))
	case MsgAPICallFailed:
		m.record(levelWarn, fmt.Sprintf("API call failed: %v", msg.Err))
	case MsgSignInRequired:
		m.record(levelWarn, "Session ended, sign in again at "+msg.Path)
	case MsgLoggedOut:
		m.record(levelOK, "Signed out")
	case MsgDone:
		m.phase = phaseDone
		m.tokenPreview, m.mode, m.expiresIn = msg.Preview, msg.Mode, msg.ExpiresIn
	case MsgFatal:
		m.phase = phaseFailed
		m.errMsg = msg.Err.Error()
	}
}

// record appends to the status log, dropping the oldest lines past the limit.
func (m *Model) record(level logLevel, text string) {
	m.log = append(m.log, logLine{level: level, text: text})
	if over := len(m.log) - maxStatusLines; over > 0 {
		m.log = append([]logLine(nil), m.log[over:]...)
	}
}

// View renders the TUI.
func (m Model) View() tea.View {
	var sections []string
	switch m.phase {
	case phaseDone:
		sections = m.summarySections()
	case phaseFailed:
		sections = []string{
			styleErr.Render("✗ Command failed"),
			styleMuted.Render(m.errMsg),
		}
	default:
		sections = m.progressSections()
	}
	if log := m.renderLog(); log != "" {
		sections = append(sections, log)
	}
	return tea.NewView("\n" + lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n")
}

func (m Model) progressSections() []string {
	sections := []string{styleHeader.Render("Recipe Session")}
	if m.serverURL != "" {
		sections = append(sections, styleMuted.Render(fmt.Sprintf("%s · %s credentials", m.serverURL, m.mode)))
	}
	sections = append(sections, "")

	if m.phase == phaseSignIn && m.authURL != "" {
		sections = append(sections,
			lipgloss.NewStyle().Bold(true).Render("Open this link to sign in with "+m.provider+":"),
			styleURL.Render(m.authURL),
			"",
		)
	}

	line := m.spinner.View() + " " + activity[m.phase]
	if m.phase == phaseSignIn && m.remaining > 0 {
		line += "  " + styleMuted.Render(formatDuration(m.remaining)+" remaining")
	}
	return append(sections, line)
}

func (m Model) summarySections() []string {
	rows := []string{
		styleOK.Render("✓ Done"),
		"",
		styleLabel.Render("Credential Mode:") + m.mode,
	}
	if m.tokenPreview != "" {
		rows = append(rows, styleLabel.Render("Access Token:")+m.tokenPreview+"...")
	}
	if m.expiresIn > 0 {
		rows = append(rows, styleLabel.Render("Expires In:")+formatDuration(m.expiresIn))
	}
	if m.body != "" {
		rows = append(rows, "", m.body)
	}
	return rows
}

func (m Model) renderLog() string {
	if len(m.log) == 0 {
		return ""
	}
	lines := []string{""}
	for _, l := range m.log {
		switch l.level {
		case levelOK:
			lines = append(lines, styleOK.Render("✓ "+l.text))
		case levelWarn:
			lines = append(lines, styleWarn.Render("⚠ "+l.text))
		default:
			lines = append(lines, styleMuted.Render("· "+l.text))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func countdown() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return countdownMsg(t)
	})
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h, m, s := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

package tmux

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agentsitter/agentsitter/internal/logging"
	"golang.org/x/sync/singleflight"
)

var log = logging.ForComponent(logging.CompTmux)

// ErrCaptureTimeout is returned when CaptureLines exceeds its timeout.
// Callers should skip the poll rather than treating the session as gone.
var ErrCaptureTimeout = errors.New("capture-pane timed out")

// ErrSessionGone is returned when the target session no longer exists.
var ErrSessionGone = errors.New("session does not exist")

const SessionPrefix = "agentsitter_"

const captureCacheTTL = 500 * time.Millisecond

// Session represents a supervised tmux session.
// Both monitors share one Session but only ever append keystrokes to it;
// the capture cache is the only mutable state and is mutex protected.
type Session struct {
	Name    string
	WorkDir string
	Command string
	Created time.Time

	// CaptureLines cache: reduces subprocess spawns when both monitors
	// poll close together. Keyed by line count since the two monitors
	// capture different windows.
	cacheMu   sync.RWMutex
	cache     map[int]captureEntry
	captureSf singleflight.Group // deduplicates concurrent capture-pane calls
}

type captureEntry struct {
	content string
	time    time.Time
}

// NewSession creates a Session with a unique tmux name derived from the
// working directory's base name.
func NewSession(name, workDir string) *Session {
	return &Session{
		Name:    SessionPrefix + sanitizeName(name) + "_" + generateShortID(),
		WorkDir: workDir,
		Created: time.Now(),
		cache:   make(map[int]captureEntry),
	}
}

// Attach wraps an already-existing tmux session by name.
func Attach(tmuxName string) *Session {
	return &Session{
		Name:    tmuxName,
		Created: time.Now(),
		cache:   make(map[int]captureEntry),
	}
}

// IsTmuxAvailable checks if tmux is installed and accessible.
func IsTmuxAvailable() error {
	cmd := exec.Command("tmux", "-V")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux not found or not working: %w (output: %s)", err, string(output))
	}
	return nil
}

// sanitizeName converts a display name to a valid tmux session name.
func sanitizeName(name string) string {
	re := regexp.MustCompile(`[^a-zA-Z0-9-]+`)
	return re.ReplaceAllString(name, "-")
}

// generateShortID generates a short random ID for uniqueness.
func generateShortID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp
		return fmt.Sprintf("%d", time.Now().UnixNano()%100000)
	}
	return hex.EncodeToString(b)
}

// Start creates the tmux session detached and launches the assistant
// command inside it.
func (s *Session) Start(command string) error {
	s.Command = command
	s.invalidateCache()
	s.Created = time.Now()

	workDir := s.WorkDir
	if workDir == "" {
		workDir = os.Getenv("HOME")
	}

	cmd := exec.Command("tmux", "new-session", "-d", "-s", s.Name, "-c", workDir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to create tmux session: %w (output: %s)", err, string(output))
	}

	// Batch session options into a single subprocess call:
	// large scrollback for assistant output, fast escape for interrupt
	// keystrokes, mouse for the attached operator.
	_ = exec.Command("tmux",
		"set-option", "-t", s.Name, "mouse", "on", ";",
		"set-option", "-t", s.Name, "history-limit", "10000", ";",
		"set-option", "-t", s.Name, "escape-time", "10").Run()

	if command != "" {
		if err := s.SendText(command); err != nil {
			return fmt.Errorf("failed to send command: %w", err)
		}
		if err := s.SendSubmit(); err != nil {
			return fmt.Errorf("failed to submit command: %w", err)
		}
	}

	return nil
}

// Exists checks if the tmux session exists.
func (s *Session) Exists() bool {
	cmd := exec.Command("tmux", "has-session", "-t", s.Name)
	return cmd.Run() == nil
}

// CaptureLines captures the last n visible lines of the session's pane.
// Results are cached briefly and concurrent captures of the same window
// are deduplicated via singleflight. Returns ErrSessionGone when the
// session no longer exists and ErrCaptureTimeout when tmux hangs.
func (s *Session) CaptureLines(n int) (string, error) {
	s.cacheMu.RLock()
	if entry, ok := s.cache[n]; ok && time.Since(entry.time) < captureCacheTTL {
		s.cacheMu.RUnlock()
		return entry.content, nil
	}
	s.cacheMu.RUnlock()

	v, err, _ := s.captureSf.Do(fmt.Sprintf("capture-%d", n), func() (interface{}, error) {
		// Double-check cache inside singleflight
		s.cacheMu.RLock()
		if entry, ok := s.cache[n]; ok && time.Since(entry.time) < captureCacheTTL {
			s.cacheMu.RUnlock()
			return entry.content, nil
		}
		s.cacheMu.RUnlock()

		// -J joins wrapped lines so resizes don't change the digest;
		// -S limits the window to the trailing n lines.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, "tmux", "capture-pane", "-t", s.Name, "-p", "-J",
			"-S", fmt.Sprintf("-%d", n))
		output, err := cmd.Output()
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return "", ErrCaptureTimeout
			}
			if !s.Exists() {
				return "", ErrSessionGone
			}
			return "", fmt.Errorf("failed to capture pane: %w", err)
		}

		content := string(output)
		s.cacheMu.Lock()
		s.cache[n] = captureEntry{content: content, time: time.Now()}
		s.cacheMu.Unlock()
		return content, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidateCache clears the capture cache.
// MUST be called after any action that might change pane content.
func (s *Session) invalidateCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache = make(map[int]captureEntry)
}

// SendText sends literal text to the session.
// Uses -l so tmux never interprets the text as key names, and chunks large
// content to avoid tmux buffer limits.
func (s *Session) SendText(text string) error {
	const chunkSize = 4096
	const chunkDelay = 50 * time.Millisecond

	s.invalidateCache()

	if len(text) <= chunkSize {
		return s.sendLiteral(text)
	}

	chunks := splitIntoChunks(text, chunkSize)
	for i, chunk := range chunks {
		if err := s.sendLiteral(chunk); err != nil {
			return fmt.Errorf("failed to send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 {
			time.Sleep(chunkDelay)
		}
	}
	return nil
}

func (s *Session) sendLiteral(text string) error {
	cmd := exec.Command("tmux", "send-keys", "-l", "-t", s.Name, "--", text)
	return cmd.Run()
}

// SendSubmit sends the Enter key after a short delay. tmux 3.2+ wraps
// send-keys -l in bracketed paste sequences; without the delay, Enter
// arrives in the same PTY buffer as the paste-end marker and gets swallowed
// by async TUI frameworks (Ink/Node.js, curses).
func (s *Session) SendSubmit() error {
	s.invalidateCache()
	time.Sleep(100 * time.Millisecond)
	cmd := exec.Command("tmux", "send-keys", "-t", s.Name, "Enter")
	return cmd.Run()
}

// SendInterrupt sends the Escape key, which interrupts the assistant's
// current generation without killing the process (unlike Ctrl+C).
func (s *Session) SendInterrupt() error {
	s.invalidateCache()
	cmd := exec.Command("tmux", "send-keys", "-t", s.Name, "Escape")
	return cmd.Run()
}

// Kill terminates the tmux session.
func (s *Session) Kill() error {
	cmd := exec.Command("tmux", "kill-session", "-t", s.Name)
	return cmd.Run()
}

// ProcessAlive reports whether the pane's current command matches the given
// pattern (e.g. "claude|node"). A session whose assistant has exited back to
// the shell is alive as a session but dead as a supervised process.
func (s *Session) ProcessAlive(pattern string) bool {
	out, err := exec.Command("tmux", "list-panes", "-t", s.Name, "-F", "#{pane_current_command}").Output()
	if err != nil {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.Warn("invalid_process_pattern", "pattern", pattern, "error", err.Error())
		return false
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if re.MatchString(strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}

// AttachCommand returns the argv to exec for attaching the operator to the
// live session.
func (s *Session) AttachCommand() []string {
	return []string{"tmux", "attach-session", "-t", s.Name}
}

// splitIntoChunks splits content into chunks of at most maxSize bytes,
// preferring to split at newline boundaries. If a single line exceeds
// maxSize, it is split at the byte boundary as a fallback.
func splitIntoChunks(content string, maxSize int) []string {
	if content == "" {
		return nil
	}
	if len(content) <= maxSize {
		return []string{content}
	}

	var chunks []string
	remaining := content

	for len(remaining) > 0 {
		if len(remaining) <= maxSize {
			chunks = append(chunks, remaining)
			break
		}

		// Find the last newline within the chunk boundary
		cutPoint := strings.LastIndex(remaining[:maxSize], "\n")
		if cutPoint > 0 {
			chunks = append(chunks, remaining[:cutPoint+1])
			remaining = remaining[cutPoint+1:]
		} else {
			chunks = append(chunks, remaining[:maxSize])
			remaining = remaining[maxSize:]
		}
	}

	return chunks
}

package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/kilnworks/kiln/log"
)

// ModuleConfig configures a module process.
type ModuleConfig struct {
	// Path is the module binary.
	Path string
	// Connect is the channel address the module dials.
	Connect string
	// Transport and Encoding name the channel flavor.
	Transport string
	Encoding  string
	// CacheDir is the content cache root shared with the module.
	CacheDir string
	// JobID labels the invocation on both sides of the channel.
	JobID string
	// SecretsFile optionally points the module at a YAML secrets store.
	SecretsFile string
	// Env is appended to the inherited environment; later entries win
	// over inherited duplicates.
	Env []string
	// Logger receives the module's stderr lines. Nil drops them.
	Logger *log.Logger
}

// ModuleResult is what a finished module process left behind.
type ModuleResult struct {
	// ExitCode is the module's exit status: types.ExitOK after a Reply,
	// types.ExitException after an Exception, types.ExitTransport when
	// the channel failed. Anything else is a crash.
	ExitCode int
	// Stderr is the captured module stderr, log lines included.
	Stderr []byte
}

// Module manages one module process lifecycle: start it pointed at the
// channel, stream its stderr into the host log, wait for its exit
// status.
type Module struct {
	config ModuleConfig
	cmd    *exec.Cmd
	stderr io.ReadCloser

	mu      sync.Mutex
	capture strings.Builder
	scanned chan struct{}
}

// NewModule creates a module manager. Call Start to launch the process.
func NewModule(cfg ModuleConfig) *Module {
	return &Module{config: cfg}
}

// Start launches the module process. Cancelling ctx kills it.
func (m *Module) Start(ctx context.Context) error {
	args := []string{
		"--connect", m.config.Connect,
		"--transport", m.config.Transport,
		"--encoding", m.config.Encoding,
		"--cache", m.config.CacheDir,
		"--job-id", m.config.JobID,
	}
	if m.config.SecretsFile != "" {
		args = append(args, "--secrets", m.config.SecretsFile)
	}

	m.cmd = exec.CommandContext(ctx, m.config.Path, args...)
	if len(m.config.Env) > 0 {
		m.cmd.Env = dedupEnv(append(os.Environ(), m.config.Env...))
	}

	stderr, err := m.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	m.stderr = stderr

	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("start module: %w", err)
	}

	m.scanned = make(chan struct{})
	go m.forwardStderr()
	return nil
}

// forwardStderr relays module log lines to the host logger while
// retaining them for Wait.
func (m *Module) forwardStderr() {
	defer close(m.scanned)

	scanner := bufio.NewScanner(m.stderr)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		m.mu.Lock()
		m.capture.WriteString(line)
		m.capture.WriteByte('\n')
		m.mu.Unlock()
		if m.config.Logger != nil {
			m.config.Logger.Debug("module stderr", map[string]any{"line": line})
		}
	}
}

// Wait blocks until the module exits and returns its result. Must be
// called after Start.
func (m *Module) Wait() (*ModuleResult, error) {
	if m.cmd == nil {
		return nil, errors.New("module not started")
	}

	// The stderr pipe dies with the process; finish draining it first.
	<-m.scanned
	err := m.cmd.Wait()

	m.mu.Lock()
	result := &ModuleResult{Stderr: []byte(m.capture.String())}
	m.mu.Unlock()

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("module wait: %w", err)
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			result.ExitCode = status.ExitStatus()
		} else {
			result.ExitCode = -1
		}
	}
	return result, nil
}

// Kill terminates the module process.
func (m *Module) Kill() error {
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Kill()
	}
	return nil
}

// dedupEnv keeps the last occurrence of each variable so appended
// values win over inherited duplicates.
func dedupEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}

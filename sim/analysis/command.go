package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultWaitDelay bounds how long a killed command may hold its output pipes open.
const DefaultWaitDelay = 2 * time.Second

var (
	// ErrPipelineTimeout is returned when a command outlives its context deadline and is killed.
	ErrPipelineTimeout = errors.New("analysis pipeline timed out")
	// ErrPipelineUnavailable is returned when a command's executable or required file is missing.
	ErrPipelineUnavailable = errors.New("analysis pipeline unavailable")
	// ErrPipelineFailed is returned when a command exits non-zero.
	ErrPipelineFailed = errors.New("analysis pipeline failed")
)

// Command is one bounded subprocess invocation. It runs with Dir as working
// directory, logs combined output line by line and is killed together with
// its process group when its context ends.
type Command struct {
	Name string
	Argv []string
	Dir  string
	// Requires, when set, is a file (relative to Dir) that must exist for the
	// command to be considered available.
	Requires string
	// WaitDelay bounds pipe draining after a kill; zero means DefaultWaitDelay.
	WaitDelay time.Duration
}

// Available reports whether the executable and required file can be found.
func (c *Command) Available() error {
	if len(c.Argv) == 0 {
		return fmt.Errorf("%s: no command configured: %w", c.Name, ErrPipelineUnavailable)
	}
	if c.Requires != "" {
		p := c.Requires
		if !filepath.IsAbs(p) {
			p = filepath.Join(c.Dir, p)
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%s: %s not found: %w", c.Name, p, ErrPipelineUnavailable)
		}
	}
	if _, err := exec.LookPath(c.executable()); err != nil {
		return fmt.Errorf("%s: %v: %w", c.Name, err, ErrPipelineUnavailable)
	}
	return nil
}

// executable resolves a relative path such as ./analyze.sh against Dir.
// Bare names are left for PATH lookup.
func (c *Command) executable() string {
	exe := c.Argv[0]
	if c.Dir == "" || filepath.IsAbs(exe) || !strings.ContainsRune(exe, filepath.Separator) {
		return exe
	}
	joined := filepath.Join(c.Dir, exe)
	if abs, err := filepath.Abs(joined); err == nil {
		return abs
	}
	return joined
}

// Run starts the command and waits for it, at most until ctx ends.
// It never returns before the process has exited.
func (c *Command) Run(ctx context.Context) error {
	if err := c.Available(); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, c.executable(), c.Argv[1:]...)
	cmd.Dir = c.Dir
	out := &lineLogger{prefix: c.Name}
	cmd.Stdout = out
	cmd.Stderr = out
	setProcessGroup(cmd)
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	start := time.Now()
	logrus.Infof("%s: running %s in %s", c.Name, strings.Join(c.Argv, " "), c.Dir)
	err := cmd.Run()
	out.flush()
	elapsed := time.Since(start).Round(time.Millisecond)

	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			logrus.Warnf("%s: timed out after %v, killed", c.Name, elapsed)
			return fmt.Errorf("%s after %v: %w", c.Name, elapsed, ErrPipelineTimeout)
		}
		logrus.Warnf("%s: cancelled after %v, killed", c.Name, elapsed)
		return fmt.Errorf("%s: %w", c.Name, ctxErr)
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		logrus.Infof("%s: completed successfully in %v", c.Name, elapsed)
		return nil
	case errors.As(err, &exitErr):
		logrus.Warnf("%s: failed with exit code %d", c.Name, exitErr.ExitCode())
		return fmt.Errorf("%s: exit code %d: %w", c.Name, exitErr.ExitCode(), ErrPipelineFailed)
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s: %v: %w", c.Name, err, ErrPipelineUnavailable)
	default:
		return fmt.Errorf("%s: %w", c.Name, err)
	}
}

// lineLogger logs each complete line written to it. exec guarantees that
// Stdout and Stderr, being the same writer, are never written concurrently;
// the mutex covers the final flush.
type lineLogger struct {
	prefix string
	mu     sync.Mutex
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(string(l.buf[:i]))
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

func (l *lineLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.emit(string(l.buf))
		l.buf = nil
	}
}

func (l *lineLogger) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	logrus.Infof("%s: %s", l.prefix, line)
}

package backup

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// CommandFlusher runs an external command, such as a server's save command,
// before the tree is archived.
type CommandFlusher struct {
	bin    string
	args   []string
	logger *slog.Logger
}

// NewCommandFlusher parses command into a binary and arguments using shell
// quoting rules. The command is not run through a shell. An empty command
// yields a flusher that does nothing.
func NewCommandFlusher(command string, logger *slog.Logger) (*CommandFlusher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fields, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse flush command: %w", ErrFlush, err)
	}

	f := &CommandFlusher{logger: logger.With("component", "flush")}
	if len(fields) > 0 {
		f.bin = fields[0]
		f.args = fields[1:]
	}
	return f, nil
}

// Flush implements Flusher.
func (f *CommandFlusher) Flush(ctx context.Context) error {
	if f.bin == "" {
		return nil
	}

	cmd := exec.CommandContext(ctx, f.bin, f.args...)
	cmd.Env = os.Environ()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	f.logger.Info("Running flush command", "command", f.bin)
	start := time.Now()

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("flush command did not finish: %w", ctx.Err())
		}
		return fmt.Errorf("flush command failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}

	f.logger.Info("Flush command completed", "duration", time.Since(start))
	return nil
}

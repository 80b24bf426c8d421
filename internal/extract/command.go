package extract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/clipdex/internal/models"
)

// CommandExtractor runs an external program as `<command...> <file>` and parses
// the JSON it writes to stdout.
type CommandExtractor struct {
	command []string
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

// CommandOption configures a CommandExtractor.
type CommandOption func(*CommandExtractor)

// WithTimeout bounds a single extraction run.
func WithTimeout(d time.Duration) CommandOption {
	return func(c *CommandExtractor) { c.timeout = d }
}

// WithRate limits how many extractor processes start per second.
func WithRate(perSecond float64) CommandOption {
	return func(c *CommandExtractor) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithLogger(l *zap.Logger) CommandOption {
	return func(c *CommandExtractor) { c.logger = l }
}

// NewCommandExtractor returns an extractor for the given argv prefix.
func NewCommandExtractor(command []string, opts ...CommandOption) (*CommandExtractor, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, fmt.Errorf("extractor command is empty")
	}
	c := &CommandExtractor{command: append([]string(nil), command...)}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Extract runs the command for path. Failures carry the program's stderr.
func (c *CommandExtractor) Extract(ctx context.Context, path string) ([]models.ExtractedSegment, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), c.command[1:]...), path)
	cmd := exec.CommandContext(ctx, c.command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Do not wait on grandchildren holding the pipes after a kill.
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("extractor %s: %w", c.command[0], ctxErr)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(err.Error())
		}
		return nil, fmt.Errorf("extractor %s failed: %s", c.command[0], detail)
	}
	segs, err := ParseOutput(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	if c.logger != nil {
		c.logger.Debug("extractor finished",
			zap.String("path", path),
			zap.Int("segments", len(segs)),
			zap.Duration("elapsed", time.Since(start)))
	}
	return segs, nil
}

package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quillon/liveagent/internal/config"
)

// Frame is one captured still image.
type Frame struct {
	Data []byte
	MIME string
}

// FrameGrabber produces one encoded frame per call.
type FrameGrabber interface {
	Grab(ctx context.Context) (Frame, error)
}

// ExecFrameGrabber shells out to a configured command and reads one encoded
// frame from its stdout. Every grab gets its own timeout so a wedged device
// cannot stall the capture loop.
type ExecFrameGrabber struct {
	logger  *zap.Logger
	argv    []string
	timeout time.Duration
	mime    string
}

func NewExecFrameGrabber(logger *zap.Logger, cfg config.FrameCaptureConfig) (*ExecFrameGrabber, error) {
	if len(cfg.GrabCommand) == 0 {
		return nil, errors.New("capture grab command not configured")
	}

	return &ExecFrameGrabber{
		logger:  logger,
		argv:    cfg.GrabCommand,
		timeout: cfg.GrabTimeout(),
		mime:    cfg.MIMEType,
	}, nil
}

func (g *ExecFrameGrabber) Grab(ctx context.Context) (Frame, error) {
	grabCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(grabCtx, g.argv[0], g.argv[1:]...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(grabCtx.Err(), context.DeadlineExceeded) {
			return Frame{}, fmt.Errorf("frame grab timed out after %s: %w", g.timeout, grabCtx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Frame{}, fmt.Errorf("frame grab failed: %w: %s", err, msg)
		}
		return Frame{}, fmt.Errorf("frame grab failed: %w", err)
	}

	if stdout.Len() == 0 {
		return Frame{}, errors.New("frame grab produced no data")
	}

	g.logger.Debug("Frame grabbed",
		zap.Int("bytes", stdout.Len()),
		zap.String("mime", g.mime))

	return Frame{Data: stdout.Bytes(), MIME: g.mime}, nil
}

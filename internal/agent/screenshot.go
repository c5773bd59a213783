package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
)

const captureTimeout = 5 * time.Second

// ScreenshotRecorder keeps a page capture of every failed attempt, laid out
// as <dir>/<session id>/<step id>-<attempt>.png.
type ScreenshotRecorder struct {
	dir    string
	logger *zap.Logger
}

// NewScreenshotRecorder creates a recorder writing under dir.
func NewScreenshotRecorder(dir string, logger *zap.Logger) *ScreenshotRecorder {
	return &ScreenshotRecorder{dir: dir, logger: logger.Named("screenshots")}
}

// Capture saves the current page for attempt a and returns the file path. It
// returns "" when the browser cannot render or the capture fails; a missing
// screenshot never fails the attempt.
func (r *ScreenshotRecorder) Capture(ctx context.Context, b schemas.Browser, sessionID string, a schemas.StepAttempt) string {
	if r == nil {
		return ""
	}
	shooter, ok := b.(schemas.Screenshotter)
	if !ok {
		return ""
	}
	// The session may already be past its ceiling; the capture gets its own.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), captureTimeout)
	defer cancel()

	log := r.logger.With(zap.String("session_id", sessionID), zap.String("step_id", a.StepID), zap.Int("attempt", a.Attempt))
	img, err := shooter.Screenshot(cctx)
	if err != nil {
		if errors.Is(err, schemas.ErrUnsupported) {
			log.Debug("Browser cannot take screenshots")
		} else {
			log.Warn("Failed to capture screenshot", zap.Error(err))
		}
		return ""
	}

	dir := filepath.Join(r.dir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("Failed to create screenshot directory", zap.Error(err))
		return ""
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.png", fileSafe(a.StepID), a.Attempt))
	if err := os.WriteFile(path, img, 0o644); err != nil {
		log.Warn("Failed to write screenshot", zap.Error(err))
		return ""
	}
	log.Debug("Screenshot saved", zap.String("path", path))
	return path
}

func fileSafe(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "step"
	}
	return s
}

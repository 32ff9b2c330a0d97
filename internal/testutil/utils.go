package testutil

import (
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestLogger returns a debug logger writing to stdout. Background goroutines
// may outlive the test, so it does not log through t.
func TestLogger(t *testing.T) *zap.Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(os.Stdout),
		zap.DebugLevel,
	)
	logger := zap.New(core).Named("test").With(zap.String("test", t.Name()))
	t.Cleanup(func() {
		_ = logger.Sync()
	})
	return logger
}

package obs

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerOnce sync.Once
	logger     *zap.Logger
	out        = &swapWriter{w: os.Stdout}
)

// swapWriter lets tests redirect log output after the logger is built.
type swapWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *swapWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *swapWriter) Sync() error { return nil }

// Logger returns the shared structured logger used across the service. Every
// entry is one JSON object per line carrying ts, level and msg.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.MessageKey = "msg"
		cfg.LevelKey = "level"
		cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		cfg.StacktraceKey = ""
		core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), out, zap.DebugLevel)
		logger = zap.New(core)
	})
	return logger
}

// SetOutput redirects log output and returns a function restoring the previous writer.
func SetOutput(w io.Writer) (restore func()) {
	out.mu.Lock()
	prev := out.w
	out.w = w
	out.mu.Unlock()
	return func() {
		out.mu.Lock()
		out.w = prev
		out.mu.Unlock()
	}
}

// Named returns a child logger tagged with the emitting component.
func Named(component string) *zap.Logger {
	return Logger().With(zap.String("component", component))
}

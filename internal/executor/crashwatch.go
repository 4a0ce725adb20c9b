// internal/executor/crashwatch.go
package executor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
)

var fatalExceptionRegex = regexp.MustCompile(`FATAL EXCEPTION|Fatal signal \d+|ANR in `)

// attributionWindow is how many lines after a fatal header may carry the
// owning process name. Logcat prints "FATAL EXCEPTION: main" first and the
// "Process: com.example, PID: 1234" line shortly after.
const attributionWindow = 5

// CrashWatcher tails a device logcat file for fatal exception lines. Driver
// calls can succeed while the app dies underneath them, so the executor
// consults the watcher after every action instead of trusting the HTTP
// status alone.
type CrashWatcher struct {
	logcatPath string
	appPackage string
	crashed    atomic.Bool
	lastLine   atomic.Pointer[string]
	tailer     *tail.Tail
	logger     *zap.Logger

	// Attribution state, touched only from the monitor goroutine.
	pendingFatal string
	pendingLines int
}

// NewCrashWatcher creates a watcher for the given logcat capture file. An
// empty path disables crash watching; Crashed then always reports false.
func NewCrashWatcher(logcatPath, appPackage string, logger *zap.Logger) *CrashWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CrashWatcher{
		logcatPath: logcatPath,
		appPackage: appPackage,
		logger:     logger.Named("crashwatch"),
	}
}

// Start begins tailing at the end of the file. New fatal lines set the crash
// flag; historic ones are ignored.
func (w *CrashWatcher) Start(ctx context.Context) error {
	if w.logcatPath == "" {
		w.logger.Debug("No logcat file configured, crash detection disabled")
		return nil
	}

	t, err := tail.TailFile(w.logcatPath, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: 2},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail logcat file %s: %w", w.logcatPath, err)
	}
	w.tailer = t

	go w.monitorLoop(ctx, t)
	w.logger.Info("Crash watcher started", zap.String("logcat", w.logcatPath))
	return nil
}

func (w *CrashWatcher) monitorLoop(ctx context.Context, t *tail.Tail) {
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line.Err != nil {
				w.logger.Warn("Logcat tail error", zap.Error(line.Err))
				continue
			}
			w.scan(line.Text)
		}
	}
}

// scan inspects one logcat line. Fatal lines naming the watched package trip
// the crash flag immediately; a fatal header without a package (the usual
// "FATAL EXCEPTION: main" form) opens a short window in which a following
// "Process: <pkg>, PID:" line attributes the crash. Fatal lines from other
// packages are ignored so an unrelated app dying does not abort the session.
func (w *CrashWatcher) scan(text string) {
	if fatalExceptionRegex.MatchString(text) {
		if w.appPackage == "" || strings.Contains(text, w.appPackage) {
			w.trip(text)
			return
		}
		w.pendingFatal = text
		w.pendingLines = attributionWindow
		return
	}
	if w.pendingLines > 0 {
		w.pendingLines--
		if strings.Contains(text, w.appPackage) {
			w.trip(w.pendingFatal)
		}
	}
}

func (w *CrashWatcher) trip(text string) {
	w.pendingFatal = ""
	w.pendingLines = 0
	w.lastLine.Store(&text)
	w.crashed.Store(true)
	w.logger.Warn("Fatal exception observed in logcat", zap.String("line", text))
}

// Crashed reports whether a fatal line was seen since the last Reset.
func (w *CrashWatcher) Crashed() bool {
	return w.crashed.Load()
}

// LastLine returns the most recent fatal line, if any.
func (w *CrashWatcher) LastLine() string {
	if p := w.lastLine.Load(); p != nil {
		return *p
	}
	return ""
}

// Reset clears the crash flag after the session has recovered.
func (w *CrashWatcher) Reset() {
	w.crashed.Store(false)
}

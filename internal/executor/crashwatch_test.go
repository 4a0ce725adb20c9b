// internal/executor/crashwatch_test.go
package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCrashWatcherOwnPackageCrash(t *testing.T) {
	t.Parallel()
	w := NewCrashWatcher("logcat.txt", "com.app", testLogger)

	w.scan("08-24 12:00:01.000  1234  1234 E AndroidRuntime: FATAL EXCEPTION: main")
	assert.False(t, w.Crashed(), "header alone does not attribute the crash")

	w.scan("08-24 12:00:01.001  1234  1234 E AndroidRuntime: Process: com.app, PID: 1234")
	assert.True(t, w.Crashed())
	assert.Contains(t, w.LastLine(), "FATAL EXCEPTION")
}

func TestCrashWatcherIgnoresOtherPackage(t *testing.T) {
	t.Parallel()
	w := NewCrashWatcher("logcat.txt", "com.app", testLogger)

	w.scan("E AndroidRuntime: FATAL EXCEPTION: main")
	w.scan("E AndroidRuntime: Process: com.other.app, PID: 999")
	w.scan("E AndroidRuntime: java.lang.NullPointerException")
	assert.False(t, w.Crashed(), "a crash in an unrelated app is not ours")
	assert.Empty(t, w.LastLine())
}

func TestCrashWatcherAttributionWindowExpires(t *testing.T) {
	t.Parallel()
	w := NewCrashWatcher("logcat.txt", "com.app", testLogger)

	w.scan("E AndroidRuntime: FATAL EXCEPTION: main")
	for i := 0; i < attributionWindow; i++ {
		w.scan("I chatty: uid=1000 expire 3 lines")
	}
	// The package appearing after the window is unrelated to the old header.
	w.scan("I ActivityManager: Displayed com.app/.MainActivity")
	assert.False(t, w.Crashed())
}

func TestCrashWatcherSameLineAttribution(t *testing.T) {
	t.Parallel()
	w := NewCrashWatcher("logcat.txt", "com.app", testLogger)

	w.scan("E ActivityManager: ANR in com.app (com.app/.MainActivity)")
	assert.True(t, w.Crashed(), "ANR lines carry the package themselves")
}

func TestCrashWatcherNativeSignal(t *testing.T) {
	t.Parallel()
	w := NewCrashWatcher("logcat.txt", "com.app", testLogger)

	w.scan("F libc    : Fatal signal 11 (SIGSEGV), code 1, fault addr 0x0 in tid 1234 (com.app)")
	assert.True(t, w.Crashed())
}

func TestCrashWatcherEmptyPackageMatchesAnyFatal(t *testing.T) {
	t.Parallel()
	w := NewCrashWatcher("logcat.txt", "", testLogger)

	w.scan("E AndroidRuntime: FATAL EXCEPTION: main")
	assert.True(t, w.Crashed(), "with no package configured every fatal counts")
}

func TestCrashWatcherReset(t *testing.T) {
	t.Parallel()
	w := NewCrashWatcher("logcat.txt", "", testLogger)

	w.scan("E ActivityManager: ANR in com.app")
	assert.True(t, w.Crashed())
	w.Reset()
	assert.False(t, w.Crashed())
}

func TestCrashWatcherDisabledWithoutPath(t *testing.T) {
	t.Parallel()
	w := NewCrashWatcher("", "com.app", testLogger)
	assert.NoError(t, w.Start(context.Background()))
	assert.False(t, w.Crashed())
}

// internal/driver/uiautomator2/driver.go
package uiautomator2

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprowl/api/schemas"
	"github.com/xkilldash9x/droidprowl/internal/config"
)

// Driver binds one device to the schemas.Driver boundary. Gestures and
// observation go through the uiautomator2 server; app lifecycle goes through
// adb because the server cannot restart the process hosting it is watching.
type Driver struct {
	client        *Client
	serial        string
	adbPath       string
	restartSettle time.Duration
	logger        *zap.Logger
}

var _ schemas.Driver = (*Driver)(nil)

// New creates a driver for one configured device.
func New(device config.DeviceConfig, driverCfg config.DriverConfig, logger *zap.Logger) (*Driver, error) {
	if device.Serial == "" {
		return nil, fmt.Errorf("device serial is required")
	}
	if device.ServerURL == "" {
		return nil, fmt.Errorf("device %s has no automation server URL", device.Serial)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("driver").With(zap.String("device", device.Serial))

	adbPath, err := exec.LookPath("adb")
	if err != nil {
		return nil, fmt.Errorf("adb not found in PATH: %w", err)
	}

	return &Driver{
		client:        NewClient(device.ServerURL, driverCfg.RequestTimeout, logger),
		serial:        device.Serial,
		adbPath:       adbPath,
		restartSettle: driverCfg.RestartSettle,
		logger:        logger,
	}, nil
}

// DeviceID identifies the device this driver is bound to.
func (d *Driver) DeviceID() string { return d.serial }

// Close tears down the automation session.
func (d *Driver) Close(ctx context.Context) error {
	return d.client.Close(ctx)
}

// CaptureSnapshot captures the UI hierarchy plus the foreground activity and
// package in one observation.
func (d *Driver) CaptureSnapshot(ctx context.Context) (schemas.Snapshot, error) {
	xml, err := d.client.Source(ctx)
	if err != nil {
		return schemas.Snapshot{}, fmt.Errorf("failed to capture page source: %w", err)
	}
	activity, err := d.client.CurrentActivity(ctx)
	if err != nil {
		return schemas.Snapshot{}, fmt.Errorf("failed to read current activity: %w", err)
	}
	pkg, err := d.client.CurrentPackage(ctx)
	if err != nil {
		return schemas.Snapshot{}, fmt.Errorf("failed to read current package: %w", err)
	}
	// Relative activity names ("/.MainActivity") come back package-less.
	if strings.HasPrefix(activity, ".") && pkg != "" {
		activity = pkg + activity
	}
	return schemas.Snapshot{
		DeviceID: d.serial,
		Package:  pkg,
		Activity: activity,
		XML:      xml,
		TakenAt:  time.Now().UTC(),
	}, nil
}

// Tap taps the center of the bounds.
func (d *Driver) Tap(ctx context.Context, b schemas.Bounds) error {
	x, y := b.Center()
	return d.client.Click(ctx, x, y)
}

// LongPress presses and holds at the center of the bounds.
func (d *Driver) LongPress(ctx context.Context, b schemas.Bounds) error {
	x, y := b.Center()
	return d.client.LongClick(ctx, x, y, time.Second)
}

// TypeText taps the element to focus it, then types into the focused field.
func (d *Driver) TypeText(ctx context.Context, b schemas.Bounds, text string) error {
	x, y := b.Center()
	if err := d.client.Click(ctx, x, y); err != nil {
		return fmt.Errorf("failed to focus element: %w", err)
	}
	return d.client.SendKeys(ctx, text)
}

// Swipe performs a directional swipe across most of the element's area.
func (d *Driver) Swipe(ctx context.Context, b schemas.Bounds, direction schemas.SwipeDirection) error {
	area := rectModel{Left: b.X, Top: b.Y, Width: b.Width, Height: b.Height}
	return d.client.SwipeInArea(ctx, area, string(direction), 0.7)
}

// PressBack presses the hardware back key.
func (d *Driver) PressBack(ctx context.Context) error {
	return d.client.Back(ctx)
}

// RestartApp force-stops the package and relaunches its entry activity, then
// waits for the app to settle. With no entry activity configured the launcher
// intent is resolved via monkey.
func (d *Driver) RestartApp(ctx context.Context, appPackage, entryActivity string) error {
	if appPackage == "" {
		return fmt.Errorf("app package is required for restart")
	}
	d.logger.Info("Restarting app", zap.String("package", appPackage))

	if _, err := d.adb(ctx, "shell", "am", "force-stop", appPackage); err != nil {
		return fmt.Errorf("failed to force-stop %s: %w", appPackage, err)
	}

	if entryActivity != "" {
		component := entryActivity
		if !strings.Contains(component, "/") {
			component = appPackage + "/" + component
		}
		if _, err := d.adb(ctx, "shell", "am", "start", "-n", component); err != nil {
			return fmt.Errorf("failed to start %s: %w", component, err)
		}
	} else {
		if _, err := d.adb(ctx, "shell", "monkey", "-p", appPackage,
			"-c", "android.intent.category.LAUNCHER", "1"); err != nil {
			return fmt.Errorf("failed to launch %s: %w", appPackage, err)
		}
	}

	if d.restartSettle > 0 {
		select {
		case <-time.After(d.restartSettle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// adb executes one adb command against this device.
func (d *Driver) adb(ctx context.Context, args ...string) (string, error) {
	cmdArgs := append([]string{"-s", d.serial}, args...)
	cmd := exec.CommandContext(ctx, d.adbPath, cmdArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("adb %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

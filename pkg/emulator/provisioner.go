// Package emulator provisions Android execution targets through the
// adb and emulator command line tools.
package emulator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	cwerrors "github.com/casewire/casewire/pkg/errors"
	"github.com/casewire/casewire/pkg/logging"
	"github.com/casewire/casewire/pkg/storage"
)

const (
	defaultBootTimeout = 3 * time.Minute

	// Emulator console ports are even numbers starting at 5554; the adb
	// serial for a console port N is "emulator-N".
	firstConsolePort = 5554
)

// Provisioner boots headless emulators and attaches to physical
// devices. For physical profiles the profile image field carries the
// adb serial of the attached device.
type Provisioner struct {
	adbPath      string
	emulatorPath string
	bootTimeout  time.Duration
	logger       *logging.Logger

	mu       sync.Mutex
	nextPort int
	procs    map[string]*exec.Cmd // serial -> emulator process
}

// New creates a Provisioner using adb and emulator from PATH.
func New(logger *logging.Logger) *Provisioner {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Provisioner{
		adbPath:      "adb",
		emulatorPath: "emulator",
		bootTimeout:  defaultBootTimeout,
		logger:       logger,
		nextPort:     firstConsolePort,
		procs:        make(map[string]*exec.Cmd),
	}
}

// Boot starts an instance for the profile and returns its adb serial.
func (p *Provisioner) Boot(ctx context.Context, profile *storage.DeviceProfile) (string, error) {
	switch profile.Kind {
	case "physical":
		return p.attachPhysical(ctx, profile)
	case "emulator":
		return p.bootEmulator(ctx, profile)
	default:
		return "", cwerrors.Newf(cwerrors.ErrCodeInvalidInput, "unknown device kind %q", profile.Kind)
	}
}

func (p *Provisioner) attachPhysical(ctx context.Context, profile *storage.DeviceProfile) (string, error) {
	serial := profile.Image
	if serial == "" {
		return "", cwerrors.Newf(cwerrors.ErrCodeBootFailed, "physical profile %q has no adb serial", profile.Name)
	}
	out, err := p.adb(ctx, serial, "get-state")
	if err != nil || strings.TrimSpace(out) != "device" {
		return "", cwerrors.Newf(cwerrors.ErrCodeBootFailed, "device %q is not attached", serial)
	}
	return serial, nil
}

func (p *Provisioner) bootEmulator(ctx context.Context, profile *storage.DeviceProfile) (string, error) {
	if profile.Image == "" {
		return "", cwerrors.Newf(cwerrors.ErrCodeBootFailed, "emulator profile %q has no AVD image", profile.Name)
	}

	p.mu.Lock()
	port := p.nextPort
	p.nextPort += 2
	p.mu.Unlock()
	serial := fmt.Sprintf("emulator-%d", port)

	cmd := exec.Command(p.emulatorPath,
		"-avd", profile.Image,
		"-port", fmt.Sprintf("%d", port),
		"-no-window", "-no-audio", "-no-boot-anim",
	)
	if err := cmd.Start(); err != nil {
		return "", cwerrors.Wrap(err, cwerrors.ErrCodeBootFailed, "launch emulator")
	}

	p.mu.Lock()
	p.procs[serial] = cmd
	p.mu.Unlock()

	// Reap the process when it exits on its own.
	go func() {
		_ = cmd.Wait()
		p.mu.Lock()
		delete(p.procs, serial)
		p.mu.Unlock()
	}()

	bootCtx, cancel := context.WithTimeout(ctx, p.bootTimeout)
	defer cancel()
	if err := p.waitForBoot(bootCtx, serial); err != nil {
		_ = cmd.Process.Kill()
		return "", err
	}

	p.logger.Info(logging.CategoryPool, "emulator_booted", "", map[string]any{
		"serial": serial,
		"avd":    profile.Image,
	})
	return serial, nil
}

// waitForBoot polls sys.boot_completed until the emulator is usable.
func (p *Provisioner) waitForBoot(ctx context.Context, serial string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return cwerrors.Newf(cwerrors.ErrCodeBootFailed, "emulator %q did not finish booting", serial)
		case <-ticker.C:
			out, err := p.adb(ctx, serial, "shell", "getprop", "sys.boot_completed")
			if err == nil && strings.TrimSpace(out) == "1" {
				return nil
			}
		}
	}
}

// Stop tears an instance down. Physical devices just detach.
func (p *Provisioner) Stop(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	_, isEmulator := p.procs[instanceID]
	p.mu.Unlock()

	if !isEmulator {
		return nil
	}
	if _, err := p.adb(ctx, instanceID, "emu", "kill"); err != nil {
		return cwerrors.Wrap(err, cwerrors.ErrCodeDeviceOffline, "stop emulator").
			WithContext("serial", instanceID)
	}
	return nil
}

// ListInstalledPackages lists installed package names on the instance.
func (p *Provisioner) ListInstalledPackages(ctx context.Context, instanceID string) ([]string, error) {
	out, err := p.adb(ctx, instanceID, "shell", "pm", "list", "packages")
	if err != nil {
		return nil, cwerrors.Wrap(err, cwerrors.ErrCodeDeviceOffline, "list packages").
			WithContext("serial", instanceID)
	}
	return parsePackageList(out), nil
}

func (p *Provisioner) adb(ctx context.Context, serial string, args ...string) (string, error) {
	full := append([]string{"-s", serial}, args...)
	out, err := exec.CommandContext(ctx, p.adbPath, full...).CombinedOutput()
	return string(out), err
}

// parsePackageList extracts package names from `pm list packages`
// output, one "package:<name>" entry per line.
func parsePackageList(out string) []string {
	var packages []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		name, ok := strings.CutPrefix(line, "package:")
		if !ok || name == "" {
			continue
		}
		packages = append(packages, name)
	}
	return packages
}

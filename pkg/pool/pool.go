// Package pool manages the bounded set of emulator and device execution
// targets: boot and stop lifecycle, exclusive acquisition by runs, and
// ownership-scoped visibility.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casewire/casewire/pkg/errors"
	"github.com/casewire/casewire/pkg/logging"
	"github.com/casewire/casewire/pkg/storage"
)

// DeviceKind distinguishes emulators from physical devices.
type DeviceKind string

const (
	KindEmulator DeviceKind = "emulator"
	KindPhysical DeviceKind = "physical"
)

// DeviceState is the lifecycle state of a pooled device.
type DeviceState string

const (
	StateIdle     DeviceState = "IDLE"
	StateBooting  DeviceState = "BOOTING"
	StateAcquired DeviceState = "ACQUIRED"
	StateStopping DeviceState = "STOPPING"
	StateOffline  DeviceState = "OFFLINE"
)

// Device is the pool's view of one execution target. Owner fields are
// set iff the device is ACQUIRED.
type Device struct {
	ID             string                 `json:"id"`
	Kind           DeviceKind             `json:"kind"`
	State          DeviceState            `json:"state"`
	Profile        *storage.DeviceProfile `json:"profile"`
	OwnerProjectID string                 `json:"ownerProjectId,omitempty"`
	OwnerRunID     string                 `json:"ownerRunId,omitempty"`
	BootedAt       time.Time              `json:"bootedAt"`
	LastError      string                 `json:"lastError,omitempty"`
}

// Provisioner is the external backend that actually starts and stops
// emulator or device instances. The pool owns only lifecycle state.
type Provisioner interface {
	// Boot starts an instance for the profile and returns its backend id.
	Boot(ctx context.Context, profile *storage.DeviceProfile) (string, error)

	// Stop tears an instance down.
	Stop(ctx context.Context, instanceID string) error

	// ListInstalledPackages queries the live instance.
	ListInstalledPackages(ctx context.Context, instanceID string) ([]string, error)
}

// ProfileSource resolves named device profiles.
type ProfileSource interface {
	GetDeviceProfile(name string) (*storage.DeviceProfile, error)
}

// Pool owns all device state transitions. Acquire and release are
// serialized under one lock so a device can never be double-acquired.
type Pool struct {
	mu          sync.Mutex
	devices     map[string]*Device
	instanceIDs map[string]string // device id -> provisioner instance id
	provisioner Provisioner
	profiles    ProfileSource
	logger      *logging.Logger
}

// New creates an empty pool.
func New(provisioner Provisioner, profiles ProfileSource, logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Pool{
		devices:     make(map[string]*Device),
		instanceIDs: make(map[string]string),
		provisioner: provisioner,
		profiles:    profiles,
		logger:      logger,
	}
}

// Boot starts a new instance bound to a named profile. The device is
// visible as BOOTING while provisioning runs; on success it becomes
// IDLE, on failure OFFLINE with the error surfaced to the caller.
// There is no automatic retry.
func (p *Pool) Boot(ctx context.Context, profileName, imageOverride string) (*Device, error) {
	profile, err := p.profiles.GetDeviceProfile(profileName)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "load device profile")
	}
	if profile == nil {
		return nil, errors.Newf(errors.ErrCodeNotFound, "device profile %q not found", profileName)
	}
	if imageOverride != "" {
		override := *profile
		override.Image = imageOverride
		profile = &override
	}

	device := &Device{
		ID:      uuid.NewString(),
		Kind:    DeviceKind(profile.Kind),
		State:   StateBooting,
		Profile: profile,
	}

	p.mu.Lock()
	p.devices[device.ID] = device
	p.mu.Unlock()
	devicesByState.WithLabelValues(string(StateBooting)).Inc()

	instanceID, err := p.provisioner.Boot(ctx, profile)

	p.mu.Lock()
	current, tracked := p.devices[device.ID]
	if !tracked || current.State != StateBooting {
		// Stop raced the boot and already removed the device; its gauge
		// decrement happened there. Tear down the fresh instance so it
		// does not leak outside the pool.
		p.mu.Unlock()
		if err == nil && instanceID != "" {
			if stopErr := p.provisioner.Stop(ctx, instanceID); stopErr != nil {
				p.logger.Warn(logging.CategoryPool, "orphan_instance_stop_failed", stopErr.Error(), map[string]any{
					"device_id":   device.ID,
					"instance_id": instanceID,
				})
			}
		}
		return nil, errors.Newf(errors.ErrCodeConflict, "device %q was stopped during boot", device.ID)
	}
	defer p.mu.Unlock()
	devicesByState.WithLabelValues(string(StateBooting)).Dec()

	if err != nil {
		device.State = StateOffline
		device.LastError = err.Error()
		devicesByState.WithLabelValues(string(StateOffline)).Inc()
		p.logger.Error(logging.CategoryPool, "boot_failed", err.Error(), map[string]any{
			"device_id": device.ID,
			"profile":   profileName,
		})
		return nil, errors.Wrap(err, errors.ErrCodeBootFailed, "boot device").
			WithContext("profile", profileName)
	}

	device.State = StateIdle
	device.BootedAt = time.Now()
	p.instanceIDs[device.ID] = instanceID
	devicesByState.WithLabelValues(string(StateIdle)).Inc()
	p.logger.Info(logging.CategoryPool, "device_booted", "", map[string]any{
		"device_id": device.ID,
		"profile":   profileName,
	})

	return snapshot(device), nil
}

// Stop tears a device down unconditionally, regardless of ownership.
// A run holding the device discovers the failure at its next interaction
// with it; the pool does not notify the queue.
func (p *Pool) Stop(ctx context.Context, deviceID string) error {
	p.mu.Lock()
	device, ok := p.devices[deviceID]
	if !ok {
		p.mu.Unlock()
		return errors.Newf(errors.ErrCodeNotFound, "device %q not found", deviceID)
	}
	prevState := device.State
	instanceID := p.instanceIDs[deviceID]
	device.State = StateStopping
	device.OwnerProjectID = ""
	device.OwnerRunID = ""
	p.mu.Unlock()

	devicesByState.WithLabelValues(string(prevState)).Dec()

	var stopErr error
	if instanceID != "" {
		stopErr = p.provisioner.Stop(ctx, instanceID)
	}

	p.mu.Lock()
	delete(p.devices, deviceID)
	delete(p.instanceIDs, deviceID)
	p.mu.Unlock()

	p.logger.Info(logging.CategoryPool, "device_stopped", "", map[string]any{
		"device_id": deviceID,
	})

	if stopErr != nil {
		return errors.Wrap(stopErr, errors.ErrCodeInternal, "stop device").
			WithContext("device_id", deviceID)
	}
	return nil
}

// GetStatus lists devices visible to the caller: unowned devices plus
// those owned by one of the caller's projects. Ownership is the sole
// visibility boundary.
func (p *Pool) GetStatus(visibleProjectIDs []string) []*Device {
	visible := make(map[string]bool, len(visibleProjectIDs))
	for _, id := range visibleProjectIDs {
		visible[id] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	devices := make([]*Device, 0, len(p.devices))
	for _, device := range p.devices {
		if device.OwnerProjectID != "" && !visible[device.OwnerProjectID] {
			continue
		}
		devices = append(devices, snapshot(device))
	}
	return devices
}

// ListInstalledPackages queries the live device. Fails without retry if
// the device is offline or mid-teardown.
func (p *Pool) ListInstalledPackages(ctx context.Context, deviceID string) ([]string, error) {
	p.mu.Lock()
	device, ok := p.devices[deviceID]
	if !ok {
		p.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeNotFound, "device %q not found", deviceID)
	}
	if device.State == StateOffline || device.State == StateStopping || device.State == StateBooting {
		state := device.State
		p.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeDeviceOffline, "device %q is %s", deviceID, state)
	}
	instanceID := p.instanceIDs[deviceID]
	p.mu.Unlock()

	packages, err := p.provisioner.ListInstalledPackages(ctx, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDeviceOffline, "list installed packages").
			WithContext("device_id", deviceID)
	}
	return packages, nil
}

// Acquire claims an IDLE device of the requested profile for a run.
// The check and the IDLE->ACQUIRED transition happen under one lock, so
// two racing runs can never both claim the same device. If nothing is
// available, acquisition fails immediately; the queue's concurrency cap
// is the layer that smooths load, not the pool.
func (p *Pool) Acquire(profileName, projectID, runID string) (*Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, device := range p.devices {
		if device.State != StateIdle {
			continue
		}
		if device.Profile == nil || device.Profile.Name != profileName {
			continue
		}
		device.State = StateAcquired
		device.OwnerProjectID = projectID
		device.OwnerRunID = runID
		devicesByState.WithLabelValues(string(StateIdle)).Dec()
		devicesByState.WithLabelValues(string(StateAcquired)).Inc()
		p.logger.Info(logging.CategoryPool, "device_acquired", "", map[string]any{
			"device_id": device.ID,
			"run_id":    runID,
		})
		return snapshot(device), nil
	}

	return nil, errors.Newf(errors.ErrCodePoolExhausted,
		"no idle device for profile %q", profileName)
}

// Release returns an acquired device to IDLE. A release racing a stop
// finds the device gone or STOPPING and does nothing; it never
// resurrects a stopped device.
func (p *Pool) Release(deviceID, runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	device, ok := p.devices[deviceID]
	if !ok || device.State != StateAcquired {
		return
	}
	if runID != "" && device.OwnerRunID != runID {
		return
	}

	device.State = StateIdle
	device.OwnerProjectID = ""
	device.OwnerRunID = ""
	devicesByState.WithLabelValues(string(StateAcquired)).Dec()
	devicesByState.WithLabelValues(string(StateIdle)).Inc()
	p.logger.Info(logging.CategoryPool, "device_released", "", map[string]any{
		"device_id": deviceID,
		"run_id":    runID,
	})
}

// InstanceID exposes the provisioner handle for an acquired device so
// the execution driver can address it.
func (p *Pool) InstanceID(deviceID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.instanceIDs[deviceID]
	if !ok {
		return "", fmt.Errorf("no live instance for device %q", deviceID)
	}
	return id, nil
}

// snapshot copies a device so callers never share the pool's mutable state.
func snapshot(d *Device) *Device {
	copied := *d
	if d.Profile != nil {
		profile := *d.Profile
		copied.Profile = &profile
	}
	return &copied
}

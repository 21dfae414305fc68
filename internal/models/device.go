package models

import (
	"time"
)

// Device represents a managed RouterOS device in the fleet.
type Device struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Address     string            `json:"address"`
	Port        int               `json:"port"`
	Environment string            `json:"environment"`
	Status      DeviceStatus      `json:"status"`
	Tags        map[string]string `json:"tags,omitempty"`

	// Capabilities are the per-topic write flags; every flag defaults to
	// false and must be granted explicitly before a write tool may touch
	// the device.
	Capabilities CapabilitySet `json:"capabilities"`

	// Critical devices poll on a tighter base cadence.
	Critical bool `json:"critical"`

	// Populated on first successful contact.
	RouterOSVersion string `json:"routeros_version,omitempty"`
	Model           string `json:"model,omitempty"`

	// Adaptive polling state, owned by the health scheduler.
	PollIntervalSeconds int        `json:"poll_interval_seconds"`
	ConsecutiveHealthy  int        `json:"consecutive_healthy"`
	LastBackoffAt       *time.Time `json:"last_backoff_at,omitempty"`

	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// DeviceStatus is the operational status of a device.
type DeviceStatus string

const (
	DeviceHealthy        DeviceStatus = "healthy"
	DeviceDegraded       DeviceStatus = "degraded"
	DeviceUnreachable    DeviceStatus = "unreachable"
	DevicePending        DeviceStatus = "pending"
	DeviceDecommissioned DeviceStatus = "decommissioned"
)

// ValidDeviceStatus reports whether s is a member of the closed status set.
func ValidDeviceStatus(s DeviceStatus) bool {
	switch s {
	case DeviceHealthy, DeviceDegraded, DeviceUnreachable, DevicePending, DeviceDecommissioned:
		return true
	}
	return false
}

// Capability is a per-topic write capability flag.
type Capability string

const (
	CapAdvanced              Capability = "advanced"
	CapProfessionalWorkflows Capability = "professional_workflows"
	CapFirewall              Capability = "firewall"
	CapRouting               Capability = "routing"
	CapWireless              Capability = "wireless"
	CapDHCP                  Capability = "dhcp"
	CapBridge                Capability = "bridge"
	CapBandwidthTest         Capability = "bandwidth_test"
)

// AllCapabilities lists every recognised capability flag.
var AllCapabilities = []Capability{
	CapAdvanced,
	CapProfessionalWorkflows,
	CapFirewall,
	CapRouting,
	CapWireless,
	CapDHCP,
	CapBridge,
	CapBandwidthTest,
}

// CapabilitySet maps capability flags to their granted state. Absent keys
// mean false.
type CapabilitySet map[Capability]bool

// Has reports whether the capability is granted.
func (s CapabilitySet) Has(c Capability) bool {
	return s[c]
}

// Eligible reports whether the device may be targeted by a new plan.
// Decommissioned and unreachable devices never are.
func (d *Device) Eligible() bool {
	return d.Status != DeviceDecommissioned && d.Status != DeviceUnreachable
}

// Validate checks the device's structural invariants.
func (d *Device) Validate() error {
	if d.ID == "" {
		return ErrInvalidModel("device ID is required")
	}
	if d.Name == "" {
		return ErrInvalidModel("device name is required")
	}
	if d.Address == "" {
		return ErrInvalidModel("device address is required")
	}
	switch d.Environment {
	case "lab", "staging", "prod":
	default:
		return ErrInvalidModel("device environment must be lab, staging or prod")
	}
	if !ValidDeviceStatus(d.Status) {
		return ErrInvalidModel("invalid device status")
	}
	return nil
}

// ErrInvalidModel is a model-level validation error.
type ErrInvalidModel string

func (e ErrInvalidModel) Error() string {
	return string(e)
}

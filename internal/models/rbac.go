package models

// RoleName identifies a built-in role.
type RoleName string

const (
	RoleReadOnly RoleName = "readonly"
	RoleOps      RoleName = "ops"
	RoleAdmin    RoleName = "admin"
	RoleApprover RoleName = "approver"
)

// Role groups permissions under a unique name.
type Role struct {
	Name        RoleName     `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// Permission grants an action on a resource. ResourceID "*" matches any
// instance.
type Permission struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Action       string `json:"action"`
}

// User is the authenticated principal a session token resolves to. An
// empty DeviceScope means fleet-wide access.
type User struct {
	Sub         string   `json:"sub"`
	Email       string   `json:"email,omitempty"`
	Role        RoleName `json:"role"`
	DeviceScope []string `json:"device_scope,omitempty"`
}

// InScope reports whether the user may touch the device. An empty scope
// is fleet-wide.
func (u *User) InScope(deviceID string) bool {
	if len(u.DeviceScope) == 0 {
		return true
	}
	for _, id := range u.DeviceScope {
		if id == deviceID {
			return true
		}
	}
	return false
}

// CanUseTier reports whether the role reaches tools of the given tier.
// Read-only stops at fundamental, ops at advanced, admin reaches all.
// Approver reaches approval actions only and is handled by the gate.
func (r RoleName) CanUseTier(tier ToolTier) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleOps:
		return tier == TierFundamental || tier == TierAdvanced
	case RoleReadOnly, RoleApprover:
		return tier == TierFundamental
	}
	return false
}

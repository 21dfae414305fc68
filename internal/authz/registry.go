package authz

import (
	"sync"

	"rosfleet.sh/internal/models"
)

// Tool describes one exposed operation and what the gate must check
// before it runs.
type Tool struct {
	Name string
	Tier models.ToolTier

	// Write marks tools that mutate device state. Write tools are subject
	// to the production guardrail.
	Write bool

	// Capability is the per-topic flag a target device must carry, empty
	// when the tool is topic-agnostic.
	Capability models.Capability

	// CrossEnvironment exempts read-only fleet tools from the environment
	// match check.
	CrossEnvironment bool
}

// Registry maps tool names to their authorization requirements.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// DefaultRegistry returns the built-in tool set.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range []Tool{
		{Name: "list_devices", Tier: models.TierFundamental, CrossEnvironment: true},
		{Name: "get_device", Tier: models.TierFundamental},
		{Name: "get_system_resource", Tier: models.TierFundamental},
		{Name: "run_health_check", Tier: models.TierFundamental},
		{Name: "run_batch_health_checks", Tier: models.TierFundamental, CrossEnvironment: true},
		{Name: "get_config_snapshot", Tier: models.TierFundamental},
		{Name: "capture_config_snapshot", Tier: models.TierAdvanced},
		{Name: "run_bandwidth_test", Tier: models.TierAdvanced, Capability: models.CapBandwidthTest},
		{Name: "update_firewall_rules", Tier: models.TierAdvanced, Write: true, Capability: models.CapFirewall},
		{Name: "update_routing", Tier: models.TierAdvanced, Write: true, Capability: models.CapRouting},
		{Name: "update_wireless", Tier: models.TierAdvanced, Write: true, Capability: models.CapWireless},
		{Name: "update_dhcp", Tier: models.TierAdvanced, Write: true, Capability: models.CapDHCP},
		{Name: "update_bridge", Tier: models.TierAdvanced, Write: true, Capability: models.CapBridge},
		{Name: "create_plan", Tier: models.TierProfessional, Write: true, Capability: models.CapProfessionalWorkflows},
		{Name: "create_multi_device_plan", Tier: models.TierProfessional, Write: true, Capability: models.CapProfessionalWorkflows},
		{Name: "approve_plan", Tier: models.TierProfessional, Capability: models.CapProfessionalWorkflows},
		{Name: "request_plan_approval", Tier: models.TierProfessional, Capability: models.CapProfessionalWorkflows},
		{Name: "decide_plan_approval", Tier: models.TierProfessional, Capability: models.CapProfessionalWorkflows},
		{Name: "apply_plan", Tier: models.TierProfessional, Write: true, Capability: models.CapProfessionalWorkflows},
		{Name: "apply_multi_device_plan", Tier: models.TierProfessional, Write: true, Capability: models.CapProfessionalWorkflows},
		{Name: "rollback_plan", Tier: models.TierProfessional, Write: true, Capability: models.CapProfessionalWorkflows},
		{Name: "cancel_job", Tier: models.TierProfessional, Capability: models.CapProfessionalWorkflows},
		{Name: "query_audit_log", Tier: models.TierAdvanced, CrossEnvironment: true},
	} {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Lookup returns a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

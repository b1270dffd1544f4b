package types

import "fmt"

// MemoryBlock is a bounded, shared text buffer kept in an agent's context window.
// A block is identified per tenant by its label; Value never exceeds Limit
// runes after a write.
type MemoryBlock struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Label    string `json:"label"`
	Value    string `json:"value"`
	Limit    int    `json:"limit"`
	ReadOnly bool   `json:"read_only"`
}

// Well-known block labels.
const (
	BlockWorkspaceContext  = "workspace_context"
	BlockBrandContext      = "brand_context"
	BlockPlaybookStatus    = "playbook_status"
	BlockCompliancePolicy  = "compliance_policy"
	BlockCustomerInsights  = "customer_insights"
	BlockCompetitorIntel   = "competitor_intel"
	BlockBusinessMetrics   = "business_metrics"
	BlockCampaignCalendar  = "campaign_calendar"
	BlockAgentObservations = "agent_observations"
)

// RemoteBlockLabel returns the deterministic label used to find a tenant's
// block on the memory host.
func RemoteBlockLabel(tenantID, label string) string {
	return fmt.Sprintf("%s:%s", tenantID, label)
}

// Role scopes which blocks an agent gets attached.
type Role string

const (
	RoleExecutive  Role = "executive"
	RoleMarketing  Role = "marketing"
	RoleAnalyst    Role = "analyst"
	RoleCompliance Role = "compliance"
	RoleIntel      Role = "intel"
	RoleSupport    Role = "support"
	RoleSleeptime  Role = "sleeptime"
)

// ValidRoles lists every known role.
var ValidRoles = []Role{
	RoleExecutive,
	RoleMarketing,
	RoleAnalyst,
	RoleCompliance,
	RoleIntel,
	RoleSupport,
	RoleSleeptime,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// ParseRole converts s into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

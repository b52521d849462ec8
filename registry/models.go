package registry

import "time"

// Role keys under which modules are bound. Dependents resolve these at
// call time, so rebinding a role never requires touching its consumers.
const (
	RoleAgentRegistry = "AGENT_REGISTRY"
	RoleFeeManager    = "FEE_MANAGER"
	RoleTreasury      = "TREASURY"
	RoleReputation    = "REPUTATION"
	RoleArbitration   = "ARBITRATION"
	RoleTokenEscrow   = "TOKEN_ESCROW"
	RoleMarketplace   = "MARKETPLACE"
)

// Binding mirrors the module_bindings table.
type Binding struct {
	Role      string
	Address   string
	UpdatedAt time.Time
}

package daemon

import "github.com/hostlane/hostlane/internal/models"

// Capability is an operation class checked once at each controller entry point.
type Capability string

const (
	CapView          Capability = "view"
	CapProvision     Capability = "provision"
	CapOperate       Capability = "operate"
	CapDelete        Capability = "delete"
	CapExtend        Capability = "extend"
	// CapExtendExternal asserts that an extension was paid outside the
	// credits ledger.
	CapExtendExternal Capability = "extend_external"
	CapReprovision   Capability = "reprovision"
	CapManageCredits Capability = "manage_credits"
	// CapFleet covers fleet-wide summaries such as status counts.
	CapFleet Capability = "fleet"
)

type rolePolicy struct {
	capabilities map[Capability]bool
	// ownOnly restricts the role to resources owned by the actor.
	ownOnly bool
}

var rolePolicies = map[models.Role]rolePolicy{
	models.RoleCustomer: {
		capabilities: capabilitySet(CapView, CapProvision, CapOperate, CapDelete, CapExtend),
		ownOnly:      true,
	},
	models.RoleSupport: {
		capabilities: capabilitySet(CapView, CapOperate, CapFleet),
	},
	models.RoleAdmin: {
		capabilities: capabilitySet(CapView, CapProvision, CapOperate, CapDelete, CapExtend, CapExtendExternal, CapReprovision, CapManageCredits, CapFleet),
	},
	models.RoleSystem: {
		capabilities: capabilitySet(CapView, CapProvision, CapOperate, CapDelete, CapExtend, CapExtendExternal, CapReprovision, CapManageCredits, CapFleet),
	},
}

func capabilitySet(caps ...Capability) map[Capability]bool {
	out := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		out[c] = true
	}
	return out
}

// authorize checks that actor may use capability on resources owned by
// ownerID. An empty ownerID means the capability is not resource scoped.
// Owner-scoped roles acting on someone else's server get NotFoundError so
// the server's existence is not disclosed; serverID fills that error.
func authorize(actor models.Actor, capability Capability, ownerID, serverID string) error {
	policy, ok := rolePolicies[actor.Role]
	if !ok || actor.ID == "" {
		return &ForbiddenError{ActorID: actor.ID, Role: actor.Role, Capability: capability}
	}
	if policy.ownOnly && ownerID != "" && ownerID != actor.ID {
		if serverID != "" {
			return &NotFoundError{ServerID: serverID}
		}
		return &ForbiddenError{ActorID: actor.ID, Role: actor.Role, Capability: capability}
	}
	if !policy.capabilities[capability] {
		return &ForbiddenError{ActorID: actor.ID, Role: actor.Role, Capability: capability}
	}
	return nil
}

// ownerScope returns the owner filter forced on list queries for actor.
func ownerScope(actor models.Actor) (string, bool) {
	policy, ok := rolePolicies[actor.Role]
	if ok && policy.ownOnly {
		return actor.ID, true
	}
	return "", false
}

package daemon

import "github.com/hostlane/hostlane/internal/models"

// edge is the claim marker an action holds and the status it finishes in.
type edge struct {
	claim  models.ServerStatus
	target models.ServerStatus
}

// lifecycleEdges lists, per action, every status the action may start from.
// EXPIRED is entered only by the expiry sweep, never by a caller action.
var lifecycleEdges = map[models.ActivityAction]map[models.ServerStatus]edge{
	models.ActionProvision: {
		models.ServerRequested: {claim: models.ServerProvisioning, target: models.ServerActive},
	},
	models.ActionReprovision: {
		models.ServerError: {claim: models.ServerProvisioning, target: models.ServerActive},
	},
	models.ActionStart: {
		models.ServerStopped: {claim: models.ServerStarting, target: models.ServerActive},
	},
	models.ActionStop: {
		models.ServerActive: {claim: models.ServerStopping, target: models.ServerStopped},
	},
	models.ActionRestart: {
		models.ServerActive:  {claim: models.ServerRestarting, target: models.ServerActive},
		models.ServerStopped: {claim: models.ServerRestarting, target: models.ServerActive},
	},
	models.ActionDelete: {
		models.ServerActive:  {claim: models.ServerDeleting, target: models.ServerDeleted},
		models.ServerStopped: {claim: models.ServerDeleting, target: models.ServerDeleted},
		models.ServerError:   {claim: models.ServerDeleting, target: models.ServerDeleted},
		models.ServerExpired: {claim: models.ServerDeleting, target: models.ServerDeleted},
	},
	models.ActionExtend: {
		models.ServerActive:  {claim: models.ServerExtending, target: models.ServerActive},
		models.ServerStopped: {claim: models.ServerExtending, target: models.ServerStopped},
		models.ServerExpired: {claim: models.ServerExtending, target: models.ServerActive},
	},
}

func allowedTransition(action models.ActivityAction, from models.ServerStatus) (edge, bool) {
	e, ok := lifecycleEdges[action][from]
	return e, ok
}

// staleClaimTarget is where a claim abandoned by a crashed action is released to.
func staleClaimTarget(server models.Server) models.ServerStatus {
	switch server.Status {
	case models.ServerProvisioning, models.ServerDeleting:
		return models.ServerError
	}
	prev := server.PreviousStatus
	if prev == "" || prev.Transitional() || prev.Terminal() || prev == models.ServerRequested {
		return models.ServerError
	}
	return prev
}

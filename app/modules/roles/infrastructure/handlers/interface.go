package roleshandlers

import (
	"context"

	"github.com/tourneykit/rankbot/app/handlerwrapper"
	rolesevents "github.com/tourneykit/rankbot/app/modules/roles/domain/events"
)

// Handlers defines the roles module's event handlers.
type Handlers interface {
	HandleDataRefreshed(ctx context.Context, payload *rolesevents.DataRefreshedPayloadV1) ([]handlerwrapper.Result, error)
	HandleAccountRolesObserved(ctx context.Context, payload *rolesevents.AccountRolesObservedPayloadV1) ([]handlerwrapper.Result, error)
}

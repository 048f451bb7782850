package rolesqueue

import (
	"github.com/tourneykit/rankbot/app/shared"
)

// CorrectionArgs is a scheduled role correction for one community account.
// Token identifies the observation that armed the timer; a correction whose
// token no longer matches the in-process handle is stale and must not act.
type CorrectionArgs struct {
	CommunityID shared.CommunityID `json:"community_id"`
	AccountID   shared.AccountID   `json:"account_id"`
	Token       string             `json:"token"`
}

// Kind returns the job type identifier for River.
func (CorrectionArgs) Kind() string { return "role_correction" }

package rolesadapters

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	nc "github.com/nats-io/nats.go"
	"github.com/tourneykit/rankbot/app/shared"
)

// Request-reply subjects served by the community-facing bot process.
const (
	accountRolesGetSubject = "community.account.roles.get.v1"
	accountRolesSetSubject = "community.account.roles.set.v1"
)

type rolesRequest struct {
	CommunityID shared.CommunityID `json:"community_id"`
	AccountID   shared.AccountID   `json:"account_id"`
	RoleIDs     []shared.RoleID    `json:"role_ids,omitempty"`
}

type rolesResponse struct {
	RoleIDs []shared.RoleID `json:"role_ids"`
	Error   string          `json:"error,omitempty"`
}

// NATSGateway implements CommunityGateway over NATS request-reply.
type NATSGateway struct {
	conn   *nc.Conn
	logger *slog.Logger
}

// NewNATSGateway creates a gateway over an existing NATS connection.
func NewNATSGateway(conn *nc.Conn, logger *slog.Logger) *NATSGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSGateway{conn: conn, logger: logger}
}

// AccountRoles returns the full role set currently on the account.
func (g *NATSGateway) AccountRoles(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID) (shared.RoleSet, error) {
	resp, err := g.request(ctx, accountRolesGetSubject, rolesRequest{
		CommunityID: communityID,
		AccountID:   accountID,
	})
	if err != nil {
		return nil, err
	}
	return shared.NewRoleSet(resp.RoleIDs...), nil
}

// SetAccountRoles replaces the account's full role set.
func (g *NATSGateway) SetAccountRoles(ctx context.Context, communityID shared.CommunityID, accountID shared.AccountID, roles shared.RoleSet) error {
	_, err := g.request(ctx, accountRolesSetSubject, rolesRequest{
		CommunityID: communityID,
		AccountID:   accountID,
		RoleIDs:     roles.Slice(),
	})
	return err
}

func (g *NATSGateway) request(ctx context.Context, subject string, req rolesRequest) (*rolesResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	g.logger.DebugContext(ctx, "Community gateway request",
		slog.String("subject", subject),
		slog.String("community_id", string(req.CommunityID)),
		slog.String("account_id", string(req.AccountID)),
	)

	msg, err := g.conn.RequestWithContext(ctx, subject, body)
	if err != nil {
		return nil, fmt.Errorf("gateway request %s failed: %w", subject, err)
	}

	var resp rolesResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gateway response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("gateway rejected %s for account %s: %s", subject, req.AccountID, resp.Error)
	}
	return &resp, nil
}

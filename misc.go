package userbase

import (
	"context"
	"encoding/json"

	"github.com/venkatvb/userbase/internal/wire"
)

// GetPublicKey fetches a user's published DH public key by username, for
// grant or pairing flows initiated without an already-known peer key.
func (c *Connection) GetPublicKey(ctx context.Context, username string) (json.RawMessage, error) {
	return c.request(ctx, wire.ActionGetPublicKey, struct {
		Username string `json:"username"`
	}{Username: username})
}

// GetRequestsForSeed polls for pending seed requests addressed to this
// device, for hosts that do not want to rely solely on the
// ReceiveRequestForSeed push.
func (c *Connection) GetRequestsForSeed(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, wire.ActionGetRequestsForSeed, nil)
}

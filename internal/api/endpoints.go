package api

import (
	"context"
	"time"
)

// LogoutTimeout bounds the best-effort logout on shutdown.
const LogoutTimeout = 5 * time.Second

type commandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// HealthStatus is the server's monitoring summary.
type HealthStatus struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime_seconds"`
}

// Health probes the monitoring endpoint. A nil error means the server
// answered and reported itself healthy.
func (c *Client) Health(ctx context.Context) error {
	var status HealthStatus
	if err := c.get(ctx, "/api/monitoring/health", nil, &status); err != nil {
		return err
	}
	return nil
}

// Logout tells the server to end the player's session. It is bounded
// by LogoutTimeout so shutdown never hangs on a dead server.
func (c *Client) Logout(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, LogoutTimeout)
	defer cancel()

	return c.post(ctx, "/commands/logout", commandRequest{
		Command: "logout",
		Args:    []string{},
	}, nil)
}

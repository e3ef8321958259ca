package bot

import "zk-bridge/internal/services"

// Nop drops every alert; used when no bot token is configured
type Nop struct{}

// SendNotification does nothing
func (Nop) SendNotification(string) {}

// Ensure both implementations satisfy the scheduler's notifier
var (
	_ services.AlertNotifier = (*Bot)(nil)
	_ services.AlertNotifier = Nop{}
)

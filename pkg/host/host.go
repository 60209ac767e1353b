// Package host declares what oregate needs from the embedding game server.
package host

import (
	"context"

	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
)

// Severity selects how the host renders a notification.
type Severity string

const (
	SeverityInstruction Severity = "instruction"
	SeverityInfo        Severity = "info"
	SeverityWarning     Severity = "warning"
)

// MessageID keys a message template.
type MessageID string

const (
	MessageCantBreakYet      MessageID = "CantBreakYet"
	MessageAdminNotification MessageID = "AdminNotification"
)

// MessageIDs lists every template the gate may send.
func MessageIDs() []MessageID {
	return []MessageID{MessageCantBreakYet, MessageAdminNotification}
}

// Notification is a rendered message. A zero Recipient addresses the admin channel.
type Notification struct {
	Recipient budget.EntityID
	Severity  Severity
	MessageID MessageID
	Text      string
}

// Broadcast reports whether the notification targets admins rather than one entity.
func (notification Notification) Broadcast() bool {
	return notification.Recipient.IsZero()
}

// Notifier delivers notifications to players or admins.
type Notifier interface {
	Notify(ctx context.Context, notification Notification)
}

// MessageFormatter renders a template with positional arguments.
type MessageFormatter interface {
	Format(id MessageID, args ...string) string
}

// Presence answers questions about connected entities.
// Position returns an error wrapping budget.ErrTransientLookup while an entity
// is between zones.
type Presence interface {
	ActiveEntities(ctx context.Context) ([]budget.Actor, error)
	Position(ctx context.Context, entityID budget.EntityID) (budget.Position, error)
	InVehicle(ctx context.Context, entityID budget.EntityID) (bool, error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, notification Notification)

// Notify calls the function.
func (notifierFunc NotifierFunc) Notify(ctx context.Context, notification Notification) {
	notifierFunc(ctx, notification)
}

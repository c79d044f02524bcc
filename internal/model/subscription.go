package model

import "github.com/roach88/usersync/internal/ir"

// SubscriptionType is the channel a subscription delivers to.
type SubscriptionType string

const (
	SubscriptionEmail SubscriptionType = "Email"
	SubscriptionSMS   SubscriptionType = "SMS"
	SubscriptionPush  SubscriptionType = "iOSPush"
)

// Subscription property names.
const (
	PropertySubscriptionID    = "subscription_id"
	PropertyType              = "type"
	PropertyToken             = "token"
	PropertyEnabled           = "enabled"
	PropertyNotificationTypes = "notification_types"
)

// Subscription is one delivery channel (email address, phone number or
// push token) attached to the user.
type Subscription struct {
	*Base
}

var _ Model = (*Subscription)(nil)

// NewSubscription returns an enabled subscription that has not yet been
// created on the server.
func NewSubscription(typ SubscriptionType, token string) *Subscription {
	m := &Subscription{}
	m.Base = newBase(m, KindSubscription, "", ir.Object{
		PropertyType:    ir.String(typ),
		PropertyToken:   ir.String(token),
		PropertyEnabled: ir.Bool(true),
	})
	return m
}

func restoreSubscription(r Record) *Subscription {
	m := &Subscription{}
	m.Base = newBase(m, KindSubscription, r.ID, r.Properties)
	return m
}

// Type returns the subscription channel.
func (m *Subscription) Type() SubscriptionType {
	return SubscriptionType(m.getString(PropertyType))
}

// Token returns the address, phone number or push token.
func (m *Subscription) Token() string { return m.getString(PropertyToken) }

// SubscriptionID returns the server id, or "" before creation.
func (m *Subscription) SubscriptionID() string { return m.getString(PropertySubscriptionID) }

// Enabled reports whether the subscription accepts deliveries.
func (m *Subscription) Enabled() bool {
	b, _ := m.Get(PropertyEnabled).(ir.Bool)
	return bool(b)
}

// SetEnabled toggles delivery.
func (m *Subscription) SetEnabled(enabled bool) {
	m.set(PropertyEnabled, ir.Bool(enabled), false)
}

// SetToken replaces the address or push token.
func (m *Subscription) SetToken(token string) {
	m.set(PropertyToken, ir.String(token), false)
}

// SetNotificationTypes sets the push permission bitmask.
func (m *Subscription) SetNotificationTypes(types int64) {
	m.set(PropertyNotificationTypes, ir.Int(types), false)
}

// AssignID records the server id for this subscription.
func (m *Subscription) AssignID(id string) {
	m.set(PropertySubscriptionID, ir.String(id), true)
}

// Hydrate applies a subscription object from the server. The server's
// "id" field becomes the subscription id.
func (m *Subscription) Hydrate(response ir.Object) {
	for _, key := range response.SortedKeys() {
		value := response[key]
		if key == "id" {
			key = PropertySubscriptionID
		}
		m.set(key, value, true)
	}
}

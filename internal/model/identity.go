package model

import "github.com/roach88/usersync/internal/ir"

// Reserved alias labels.
const (
	AliasOnesignalID = "onesignal_id"
	AliasExternalID  = "external_id"
)

// Identity holds a user's aliases. The server id and external id are
// aliases like any other; the remaining labels are application defined.
type Identity struct {
	*Base
}

var _ Model = (*Identity)(nil)

// NewIdentity returns an identity with a fresh model id and no aliases.
func NewIdentity() *Identity {
	m := &Identity{}
	m.Base = newBase(m, KindIdentity, "", nil)
	return m
}

func restoreIdentity(r Record) *Identity {
	m := &Identity{}
	m.Base = newBase(m, KindIdentity, r.ID, r.Properties)
	return m
}

// OnesignalID returns the server-assigned user id, or "" while the user
// has not been created remotely.
func (m *Identity) OnesignalID() string { return m.getString(AliasOnesignalID) }

// ExternalID returns the application's id for this user, or "" for an
// anonymous user.
func (m *Identity) ExternalID() string { return m.getString(AliasExternalID) }

// Aliases returns every alias label and value.
func (m *Identity) Aliases() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.props))
	for k, v := range m.props {
		if s, ok := v.(ir.String); ok {
			out[k] = string(s)
		}
	}
	return out
}

// SetAlias adds or replaces an alias.
func (m *Identity) SetAlias(label, id string) {
	m.set(label, ir.String(id), false)
}

// RemoveAlias removes an alias.
func (m *Identity) RemoveAlias(label string) {
	m.set(label, ir.Null{}, false)
}

// SetExternalID records the external id locally without producing an
// alias delta. Login flows use it before the model is published.
func (m *Identity) SetExternalID(id string) {
	m.set(AliasExternalID, ir.String(id), true)
}

// Hydrate applies an alias map from the server.
func (m *Identity) Hydrate(response ir.Object) {
	for _, label := range response.SortedKeys() {
		if s, ok := response[label].(ir.String); ok {
			m.set(label, s, true)
		}
	}
}

package session

import (
	"github.com/roach88/usersync/internal/auth"
	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/model"
)

// userState gives the user executor access to the session's models.
type userState struct{ s *Session }

// CreatePayload returns the create-user body for identityModelID: its
// aliases, minus the server id.
func (u userState) CreatePayload(identityModelID string) (ir.Object, bool) {
	identity, ok := resolver(u).Identity(identityModelID)
	if !ok {
		return nil, false
	}
	aliases := ir.Object{}
	for label, id := range identity.Aliases() {
		if label == model.AliasOnesignalID {
			continue
		}
		aliases[label] = ir.String(id)
	}
	return ir.Object{"identity": aliases}, true
}

// HydrateUser applies a user object from the server. Identity aliases
// always land on the owning identity so that queued work for it can
// resolve the server id; properties and subscriptions only replace local
// state while the user is still current.
func (u userState) HydrateUser(identityModelID string, user ir.Object) {
	s := u.s
	if identity, ok := resolver(u).Identity(identityModelID); ok {
		if aliases, ok := user.GetObject("identity"); ok {
			identity.Hydrate(aliases)
		}
	}
	if !u.IsCurrent(identityModelID) {
		s.logger.Debug("user no longer current, skipping model hydration", "identity", identityModelID)
		return
	}

	if props, ok := user.GetObject("properties"); ok {
		if m, ok := s.properties.Get(identityModelID); ok {
			m.Hydrate(props)
		}
	}
	if subs, ok := user.GetArray("subscriptions"); ok {
		s.hydrateSubscriptions(subs)
	}
}

// IsCurrent reports whether identityModelID is the current user.
func (u userState) IsCurrent(identityModelID string) bool {
	return u.s.CurrentIdentityID() == identityModelID
}

// hydrateSubscriptions matches server subscriptions to local email and
// SMS models by type and token. Unknown ones are added.
func (s *Session) hydrateSubscriptions(subs ir.Array) {
	for _, v := range subs {
		obj, ok := v.(ir.Object)
		if !ok {
			continue
		}
		typ, _ := obj.GetString(model.PropertyType)
		if typ != string(model.SubscriptionEmail) && typ != string(model.SubscriptionSMS) {
			continue
		}
		token, _ := obj.GetString(model.PropertyToken)
		id, _ := obj.GetString("id")

		local, found := s.subscriptions.Find(func(m *model.Subscription) bool {
			if id != "" && m.SubscriptionID() == id {
				return true
			}
			return string(m.Type()) == typ && m.Token() == token
		})
		if found {
			local.Hydrate(obj)
			continue
		}
		sub := model.NewSubscription(model.SubscriptionType(typ), token)
		sub.Hydrate(obj)
		s.subscriptions.Add(sub.ID(), sub, true)
	}
}

// Login switches to the user identified by externalID. A non-empty jwt
// is stored for that user first. Logging in as the current user only
// updates the token.
//
// Leaving an anonymous user identifies it (the server keeps its data);
// leaving an identified user, or any switch while identity verification
// is required, creates the new user instead.
func (s *Session) Login(externalID, jwt string) {
	if jwt != "" {
		s.gate.UpdateToken(externalID, jwt)
	}

	s.switching.Lock()
	defer s.switching.Unlock()

	previous := s.Identity()
	if previous != nil && previous.ExternalID() == externalID {
		return
	}

	next := model.NewIdentity()
	next.SetExternalID(externalID)
	s.switchUser(next)

	if previous != nil && previous.ExternalID() == "" && s.gate.Requirement() != auth.RequirementOn {
		s.userX.EnqueueIdentify(next.ID(), previous.ID(), externalID)
	} else {
		s.userX.EnqueueCreate(next.ID())
	}
	s.logger.Info("user logged in", "external_id", externalID, "identity", next.ID())
	s.repo.RequestFlush()
}

// Logout switches to a new anonymous user. It is a no-op when the
// current user is already anonymous.
func (s *Session) Logout() {
	s.switching.Lock()
	defer s.switching.Unlock()

	previous := s.Identity()
	if previous != nil && previous.ExternalID() == "" {
		return
	}

	next := model.NewIdentity()
	s.switchUser(next)
	s.userX.EnqueueCreate(next.ID())
	s.logger.Info("user logged out", "identity", next.ID())
	s.repo.RequestFlush()
}

// switchUser replaces the current models with fresh ones. Persisted
// store caches are cleared first; models still referenced by queued work
// stay reachable through the resolver. Earlier users whose work has
// settled are forgotten before the switch, while the outgoing user is
// still current and so kept for the identify or create that follows.
func (s *Session) switchUser(next *model.Identity) {
	s.prune()

	s.identities.ClearCache()
	s.properties.ClearCache()
	s.subscriptions.ClearCache()

	s.identities.RemoveAll(true)
	s.properties.RemoveAll(true)
	s.subscriptions.RemoveAll(true)

	s.install(next, model.NewProperties())
}

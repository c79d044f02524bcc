package session

import (
	"errors"
	"fmt"

	"github.com/roach88/usersync/internal/auth"
	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/model"
)

// ErrReservedAlias is returned for alias labels managed by the session.
var ErrReservedAlias = errors.New("session: alias label is reserved")

// ErrEmptyValue is returned when a required argument is empty.
var ErrEmptyValue = errors.New("session: value must not be empty")

func checkAlias(label, id string) error {
	if label == "" || id == "" {
		return ErrEmptyValue
	}
	if label == model.AliasOnesignalID || label == model.AliasExternalID {
		return fmt.Errorf("%w: %s", ErrReservedAlias, label)
	}
	return nil
}

// AddAlias adds an alias to the current user.
func (s *Session) AddAlias(label, id string) error {
	return s.AddAliases(map[string]string{label: id})
}

// AddAliases adds several aliases to the current user. Nothing is added
// when any label is invalid.
func (s *Session) AddAliases(aliases map[string]string) error {
	for label, id := range aliases {
		if err := checkAlias(label, id); err != nil {
			return err
		}
	}
	identity := s.Identity()
	for label, id := range aliases {
		identity.SetAlias(label, id)
	}
	return nil
}

// RemoveAlias removes an alias from the current user.
func (s *Session) RemoveAlias(label string) error {
	if err := checkAlias(label, "-"); err != nil {
		return err
	}
	s.Identity().RemoveAlias(label)
	return nil
}

// AddTag sets one tag on the current user.
func (s *Session) AddTag(key, value string) {
	s.AddTags(map[string]string{key: value})
}

// AddTags sets several tags on the current user in one change.
func (s *Session) AddTags(tags map[string]string) {
	if len(tags) == 0 {
		return
	}
	s.Properties().SetTags(tags)
}

// RemoveTag removes one tag from the current user.
func (s *Session) RemoveTag(key string) {
	s.RemoveTags(key)
}

// RemoveTags removes several tags from the current user in one change.
func (s *Session) RemoveTags(keys ...string) {
	if len(keys) == 0 {
		return
	}
	s.Properties().RemoveTags(keys...)
}

// SetLanguage sets the current user's language.
func (s *Session) SetLanguage(lang string) {
	s.Properties().SetLanguage(lang)
}

// AddEmail subscribes an email address for the current user. Adding an
// address that is already subscribed does nothing.
func (s *Session) AddEmail(address string) error {
	return s.addSubscription(model.SubscriptionEmail, address)
}

// RemoveEmail unsubscribes an email address.
func (s *Session) RemoveEmail(address string) {
	s.removeSubscription(model.SubscriptionEmail, address)
}

// AddSMS subscribes a phone number for the current user.
func (s *Session) AddSMS(number string) error {
	return s.addSubscription(model.SubscriptionSMS, number)
}

// RemoveSMS unsubscribes a phone number.
func (s *Session) RemoveSMS(number string) {
	s.removeSubscription(model.SubscriptionSMS, number)
}

func (s *Session) findSubscription(typ model.SubscriptionType, token string) (*model.Subscription, bool) {
	return s.subscriptions.Find(func(m *model.Subscription) bool {
		return m.Type() == typ && m.Token() == token
	})
}

func (s *Session) addSubscription(typ model.SubscriptionType, token string) error {
	if token == "" {
		return ErrEmptyValue
	}
	if _, ok := s.findSubscription(typ, token); ok {
		return nil
	}
	sub := model.NewSubscription(typ, token)
	s.subscriptions.Add(sub.ID(), sub, false)
	return nil
}

func (s *Session) removeSubscription(typ model.SubscriptionType, token string) {
	sub, ok := s.findSubscription(typ, token)
	if !ok {
		return
	}
	s.subscriptions.Remove(sub.ID(), false)
}

// TrackEvent records a custom event for the current user. props must be
// convertible to a JSON object; anything else is rejected before the
// event is queued.
func (s *Session) TrackEvent(name string, props map[string]any) error {
	if name == "" {
		return ErrEmptyValue
	}
	var payload ir.Value = ir.Null{}
	if props != nil {
		v, err := ir.FromAny(props)
		if err != nil {
			return fmt.Errorf("session: track %q: %w", name, err)
		}
		payload = v
	}
	s.enqueue(ir.NewDelta(ir.OpTrackEvent, s.CurrentIdentityID(), "", name, payload, s.clock.Now()))
	return nil
}

// SetLiveActivityToken registers the update token of a running activity.
func (s *Session) SetLiveActivityToken(activityID, token string) {
	s.liveX.SetUpdateToken(activityID, token)
}

// RemoveLiveActivityToken unregisters an activity's update token.
func (s *Session) RemoveLiveActivityToken(activityID string) {
	s.liveX.RemoveUpdateToken(activityID)
}

// SetPushToStartToken registers the push-to-start token of an activity
// type.
func (s *Session) SetPushToStartToken(activityType, token string) {
	s.liveX.SetStartToken(activityType, token)
}

// RemovePushToStartToken unregisters an activity type's start token.
func (s *Session) RemovePushToStartToken(activityType string) {
	s.liveX.RemoveStartToken(activityType)
}

// LiveActivityReceived reports that a live activity notification arrived.
func (s *Session) LiveActivityReceived(activityID, notificationID string) {
	s.liveX.Received(activityID, notificationID)
}

// SetPushSubscriptionID records the device's push subscription id. Live
// activity tokens are resent for the new subscription.
func (s *Session) SetPushSubscriptionID(id string) {
	s.mu.Lock()
	changed := s.pushID != id
	s.pushID = id
	s.mu.Unlock()

	if changed {
		s.liveX.SubscriptionChanged()
	}
}

// PushSubscriptionID returns the device's push subscription id.
func (s *Session) PushSubscriptionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushID
}

// UpdateJWT stores a new token for externalID. Requests held for that
// user are retried in the background.
func (s *Session) UpdateJWT(externalID, token string) {
	s.gate.UpdateToken(externalID, token)
}

// SetIdentityVerification sets whether the app requires identity
// verification, typically once remote params arrive.
// A change wakes the background flush loop so held requests go out.
func (s *Session) SetIdentityVerification(req auth.Requirement) {
	s.gate.SetRequirement(req)
}

// OnJWTInvalidated registers fn for token invalidations. It returns a
// function that removes the registration.
func (s *Session) OnJWTInvalidated(fn func(auth.Invalidation)) func() {
	return s.gate.OnInvalidated(fn)
}

package ir

import (
	"time"

	"github.com/google/uuid"

	"github.com/roach88/usersync/internal/codec"
)

// OperationName routes a Delta to the executor that declared it.
type OperationName string

// Operation names understood by the built-in executors.
const (
	OpAddAliases         OperationName = "add_aliases"
	OpRemoveAlias        OperationName = "remove_alias"
	OpUpdateProperties   OperationName = "update_properties"
	OpAddSubscription    OperationName = "add_subscription"
	OpUpdateSubscription OperationName = "update_subscription"
	OpRemoveSubscription OperationName = "remove_subscription"
	OpTrackEvent         OperationName = "track_event"
)

// Delta is an immutable record of one property mutation.
//
// Deltas are never edited after they are enqueued. An executor that
// coalesces or supersedes work replaces its own queue entries wholesale;
// the Delta itself is only read.
type Delta struct {
	// ID uniquely identifies the delta (UUIDv7, time sortable).
	ID string

	// Name selects the executor.
	Name OperationName

	// IdentityModelID is the identity model of the user the change belongs
	// to. The executor resolves the user's current onesignal id through it
	// at send time.
	IdentityModelID string

	// ModelID is the model that changed (identity, properties or
	// subscription model).
	ModelID string

	// Property is the changed property name.
	Property string

	// Value is the new value. Null expresses removal.
	Value Value

	// Timestamp is when the change happened locally.
	Timestamp time.Time
}

// NewDelta creates a delta with a fresh UUIDv7 id.
func NewDelta(name OperationName, identityModelID, modelID, property string, value Value, at time.Time) Delta {
	if value == nil {
		value = Null{}
	}
	return Delta{
		ID:              uuid.Must(uuid.NewV7()).String(),
		Name:            name,
		IdentityModelID: identityModelID,
		ModelID:         modelID,
		Property:        property,
		Value:           value,
		Timestamp:       at,
	}
}

// deltaRecord is the persisted form of a Delta. Value is stored as plain
// Go data because the sealed interface cannot be decoded directly.
type deltaRecord struct {
	ID              string    `cbor:"id"`
	Name            string    `cbor:"name"`
	IdentityModelID string    `cbor:"identity_model_id"`
	ModelID         string    `cbor:"model_id"`
	Property        string    `cbor:"property"`
	Value           any       `cbor:"value"`
	Timestamp       time.Time `cbor:"timestamp"`
}

// MarshalCBOR implements cbor.Marshaler.
func (d Delta) MarshalCBOR() ([]byte, error) {
	return codec.Marshal(deltaRecord{
		ID:              d.ID,
		Name:            string(d.Name),
		IdentityModelID: d.IdentityModelID,
		ModelID:         d.ModelID,
		Property:        d.Property,
		Value:           ToAny(d.Value),
		Timestamp:       d.Timestamp,
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (d *Delta) UnmarshalCBOR(data []byte) error {
	var rec deltaRecord
	if err := codec.Unmarshal(data, &rec); err != nil {
		return err
	}
	value, err := FromAny(rec.Value)
	if err != nil {
		return err
	}
	*d = Delta{
		ID:              rec.ID,
		Name:            OperationName(rec.Name),
		IdentityModelID: rec.IdentityModelID,
		ModelID:         rec.ModelID,
		Property:        rec.Property,
		Value:           value,
		Timestamp:       rec.Timestamp,
	}
	return nil
}

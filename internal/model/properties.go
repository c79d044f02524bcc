package model

import (
	"github.com/roach88/usersync/internal/ir"
)

// Property names.
const (
	PropertyTags       = "tags"
	PropertyLanguage   = "language"
	PropertyTimezoneID = "timezone_id"
)

// Properties holds tags and user-level attributes.
type Properties struct {
	*Base
}

var _ Model = (*Properties)(nil)

// NewProperties returns an empty properties model.
func NewProperties() *Properties {
	m := &Properties{}
	m.Base = newBase(m, KindProperties, "", nil)
	return m
}

func restoreProperties(r Record) *Properties {
	m := &Properties{}
	m.Base = newBase(m, KindProperties, r.ID, r.Properties)
	return m
}

// Tags returns a copy of the current tags.
func (m *Properties) Tags() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tags, _ := m.props.GetObject(PropertyTags)
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if s, ok := v.(ir.String); ok {
			out[k] = string(s)
		}
	}
	return out
}

// SetTags merges tags into the current tags. The fired Change reports
// only the given tags.
func (m *Properties) SetTags(tags map[string]string) {
	if len(tags) == 0 {
		return
	}
	changed := make(ir.Object, len(tags))
	for k, v := range tags {
		changed[k] = ir.String(v)
	}
	m.mergeTags(changed, nil)
}

// RemoveTags deletes tags. The fired Change reports each removed key with
// an empty string value, which is how the backend expresses deletion.
func (m *Properties) RemoveTags(keys ...string) {
	if len(keys) == 0 {
		return
	}
	changed := make(ir.Object, len(keys))
	for _, k := range keys {
		changed[k] = ir.String("")
	}
	m.mergeTags(changed, keys)
}

func (m *Properties) mergeTags(changed ir.Object, removed []string) {
	m.update(PropertyTags, func(old ir.Value) (ir.Value, ir.Value) {
		current, _ := old.(ir.Object)
		next := current.Merge(changed)
		for _, k := range removed {
			delete(next, k)
		}
		return next, changed
	}, false)
}

// Language returns the language code, or "".
func (m *Properties) Language() string { return m.getString(PropertyLanguage) }

// SetLanguage sets the user's language code.
func (m *Properties) SetLanguage(lang string) {
	m.set(PropertyLanguage, ir.String(lang), false)
}

// SetProperty sets an arbitrary top-level property such as timezone_id.
func (m *Properties) SetProperty(name string, value ir.Value) {
	m.set(name, value, false)
}

// Hydrate applies a properties object from the server. Tags replace the
// local tags wholesale.
func (m *Properties) Hydrate(response ir.Object) {
	for _, key := range response.SortedKeys() {
		m.set(key, response[key], true)
	}
}

// Package events publishes user domain events on fixed broker topics.
//
// Every message is a JSON object with a single field named after the topic
// holding the payload and its publish timestamp, for example
//
//	{"userDeleted":{"id":"42","email":"a@x.com","timestamp":"2024-01-01T00:00:00.000Z"}}
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

type Topic string

const (
	UserCreated Topic = "USER_CREATED"
	UserUpdated Topic = "USER_UPDATED"
	UserDeleted Topic = "USER_DELETED"
	UserOnline  Topic = "USER_ONLINE"
)

// Topics lists every topic the gateway subscribes to.
func Topics() []Topic { return []Topic{UserCreated, UserUpdated, UserDeleted, UserOnline} }

func (t Topic) Valid() bool {
	switch t {
	case UserCreated, UserUpdated, UserDeleted, UserOnline:
		return true
	}
	return false
}

// Field is the envelope key the payload is wrapped under.
func (t Topic) Field() string {
	switch t {
	case UserCreated:
		return "userCreated"
	case UserUpdated:
		return "userUpdated"
	case UserDeleted:
		return "userDeleted"
	case UserOnline:
		return "userOnline"
	}
	return ""
}

// Channel is the broker channel carrying the topic.
func (t Topic) Channel() string { return string(t) }

// ParseTopic accepts either the topic name or its field name.
func ParseTopic(s string) (Topic, error) {
	for _, t := range Topics() {
		if s == string(t) || s == t.Field() {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown topic %q", s)
}

// User is the entity snapshot carried by user events. Extra holds fields
// this service does not model.
type User struct {
	ID        string         `json:"id"`
	Email     string         `json:"email,omitempty"`
	Name      string         `json:"name,omitempty"`
	Online    *bool          `json:"online,omitempty"`
	CreatedAt *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// TimestampLayout is ISO-8601 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Payload is the union of the fields used by the four topics.
type Payload struct {
	User     *User  `json:"user,omitempty"`
	Previous *User  `json:"previousUser,omitempty"`
	ID       string `json:"id,omitempty"`
	Email    string `json:"email,omitempty"`
	IsOnline *bool  `json:"isOnline,omitempty"`

	Timestamp string `json:"timestamp"`
}

// Time parses Timestamp.
func (p Payload) Time() (time.Time, error) { return time.Parse(TimestampLayout, p.Timestamp) }

// SubjectID is the user id the event is about.
func (p Payload) SubjectID() string {
	if p.User != nil {
		return p.User.ID
	}
	return p.ID
}

// Envelope is one event as seen by subscribers.
type Envelope struct {
	Topic   Topic
	Payload Payload
}

// MarshalJSON renders the wire form {"<field>": payload}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	f := e.Topic.Field()
	if f == "" {
		return nil, fmt.Errorf("unknown topic %q", e.Topic)
	}
	return json.Marshal(map[string]Payload{f: e.Payload})
}

// Decode parses a wire message received on topic.
func Decode(topic Topic, b []byte) (Envelope, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return Envelope{}, fmt.Errorf("decode %s event: %w", topic, err)
	}
	raw, ok := m[topic.Field()]
	if !ok {
		return Envelope{}, fmt.Errorf("decode %s event: missing %q", topic, topic.Field())
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Envelope{}, fmt.Errorf("decode %s event: %w", topic, err)
	}
	return Envelope{Topic: topic, Payload: p}, nil
}

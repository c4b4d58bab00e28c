package bindingtest

import (
	"encoding/json"

	"github.com/redpesk-common/afb-test-go/afbws"

	m "github.com/launchdarkly/go-test-helpers/v2/matchers"
)

// The functions in this file are for convenient use of the matchers API with
// binder replies and events. For more information, see matchers.Transform.

// ReplyResponse extracts the response payload of a reply so that matchers can
// be applied to it as JSON.
func ReplyResponse() m.MatcherTransform {
	return m.Transform(
		"reply response",
		func(value interface{}) (interface{}, error) {
			return json.RawMessage(value.(afbws.Reply).Response), nil
		}).
		EnsureInputValueType(afbws.Reply{})
}

// ReplyStatus extracts the status string of a reply.
func ReplyStatus() m.MatcherTransform {
	return m.Transform(
		"reply status",
		func(value interface{}) (interface{}, error) {
			return value.(afbws.Reply).Status, nil
		}).
		EnsureInputValueType(afbws.Reply{})
}

// ReplyInfo extracts the informational text of a reply.
func ReplyInfo() m.MatcherTransform {
	return m.Transform(
		"reply info",
		func(value interface{}) (interface{}, error) {
			return value.(afbws.Reply).Info, nil
		}).
		EnsureInputValueType(afbws.Reply{})
}

// ReplyCode extracts the numeric code of a reply.
func ReplyCode() m.MatcherTransform {
	return m.Transform(
		"reply code",
		func(value interface{}) (interface{}, error) {
			return value.(afbws.Reply).Code, nil
		}).
		EnsureInputValueType(afbws.Reply{})
}

// EventData extracts an event's data payload so that matchers can be applied
// to it as JSON.
func EventData() m.MatcherTransform {
	return m.Transform(
		"event data",
		func(value interface{}) (interface{}, error) {
			return json.RawMessage(value.(afbws.Event).Data), nil
		}).
		EnsureInputValueType(afbws.Event{})
}

// EventNamed matches an event by its full "api/event" name.
func EventNamed(name string) m.Matcher {
	return m.Transform(
		"event name",
		func(value interface{}) (interface{}, error) {
			return value.(afbws.Event).Name, nil
		}).
		EnsureInputValueType(afbws.Event{}).
		Should(m.Equal(name))
}

package propagate

import (
	"ordersync/internal/changelog"
	"ordersync/internal/model"
)

// Reader is the read side of the document store that handlers may consult.
type Reader interface {
	Get(path string) (doc model.Document, ok bool, err error)
}

// Event is a change delivered to a handler together with the path parameters
// extracted from the route pattern.
type Event struct {
	changelog.Change
	Params map[string]string
}

// Write is a merge-write the engine performs on a handler's behalf.
type Write struct {
	Path   string
	Fields model.Document
}

// Outbound is a notification addressed to a device token or a topic.
type Outbound struct {
	Token        string
	Topic        string
	Notification model.Notification
}

// Conflict reports an unexpected state a handler resolved but wants surfaced.
type Conflict struct {
	Path   string
	Reason string
}

// Effects is everything a handler wants done for one event. Handlers are pure with
// respect to writes and sends; the engine performs them.
type Effects struct {
	Writes        []Write
	Notifications []Outbound
	Conflicts     []Conflict
}

func (e *Effects) write(path string, fields model.Document) {
	e.Writes = append(e.Writes, Write{Path: path, Fields: fields})
}

// toToken drops the notification when the recipient has no address.
func (e *Effects) toToken(token string, n model.Notification) {
	if token == "" {
		return
	}
	e.Notifications = append(e.Notifications, Outbound{Token: token, Notification: n})
}

func (e *Effects) toTopic(topic string, n model.Notification) {
	e.Notifications = append(e.Notifications, Outbound{Topic: topic, Notification: n})
}

// HandlerFunc reacts to one change event.
type HandlerFunc func(r Reader, ev Event) (Effects, error)

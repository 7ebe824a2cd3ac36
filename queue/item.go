package queue

import "encoding/json"

// Field is a single (name, value) pair in a broker record. Backends
// serialise an Item to a slice of Field before writing it, and rebuild an
// Item from the same shape after reading.
type Field struct {
	Name  string
	Value string
}

// Item is the serialisation contract between application payloads and a
// backend's wire format. An Item has no delivery id until it has been read
// back from a backend; DeliveryID reports that with its second return
// value.
type Item interface {
	DeliveryID() (id string, ok bool)
	Fields() []Field
}

// Decoder rebuilds an Item of type I from a backend record: the record's
// delivery id plus its decoded field map. It returns ok=false if the
// record cannot be decoded into I, which backends surface as a ParseError
// carrying the delivery id.
type Decoder[I Item] func(deliveryID string, fields map[string]string) (I, bool)

// JSONItem is the reference Item implementation: it carries one logical
// payload, encoded as a single "json" field.
type JSONItem[T any] struct {
	id      string
	delivered bool
	Payload T
}

// NewJSONItem wraps a payload for enqueueing. The returned item has no
// delivery id; one is assigned once it round-trips through a Backend.
func NewJSONItem[T any](payload T) JSONItem[T] {
	return JSONItem[T]{Payload: payload}
}

func (j JSONItem[T]) DeliveryID() (string, bool) {
	return j.id, j.delivered
}

func (j JSONItem[T]) Fields() []Field {
	b, err := json.Marshal(j.Payload)
	if err != nil {
		// Fields is called only on items the caller constructed itself;
		// an unmarshalable payload is a programmer error, not a runtime one.
		panic("queue: JSONItem payload does not marshal to JSON: " + err.Error())
	}
	return []Field{{Name: "json", Value: string(b)}}
}

// DecodeJSONItem is the Decoder for JSONItem[T]. It is the decoder most
// Stream/Table/SQS backend constructors are given by callers that use the
// reference item type.
func DecodeJSONItem[T any](deliveryID string, fields map[string]string) (JSONItem[T], bool) {
	raw, ok := fields["json"]
	if !ok {
		return JSONItem[T]{}, false
	}

	var payload T
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return JSONItem[T]{}, false
	}

	return JSONItem[T]{id: deliveryID, delivered: true, Payload: payload}, true
}

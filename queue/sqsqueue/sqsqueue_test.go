package sqsqueue

import (
	"testing"

	"github.com/oriys/drainqueue/queue"
)

func TestEncodeDecodeFieldsRoundTrip(t *testing.T) {
	fields := []queue.Field{
		{Name: "json", Value: `{"n":1}`},
	}

	body, err := encodeFields(fields)
	if err != nil {
		t.Fatalf("encodeFields: %v", err)
	}

	decoded, err := decodeFields(body)
	if err != nil {
		t.Fatalf("decodeFields: %v", err)
	}

	if decoded["json"] != `{"n":1}` {
		t.Fatalf("unexpected round trip: %q", decoded["json"])
	}
}

func TestDecodeFieldsRejectsMalformedBody(t *testing.T) {
	if _, err := decodeFields("not json"); err == nil {
		t.Fatal("expected an error decoding a non-JSON message body")
	}
}

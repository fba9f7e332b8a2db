package notify

import (
	"context"
	"testing"
)

func TestDecodeRejectsIncompletePayload(t *testing.T) {
	if _, err := Decode([]byte(`{"from":"DISCOVERY"}`)); err == nil {
		t.Fatalf("expected error for payload without account and stage")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestEncodeDecode(t *testing.T) {
	raw, err := Encode(StageChange{AccountID: 3, From: "DISCOVERY", To: "CONTACTED", Trigger: "interaction", Probability: 0.15})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.AccountID != 3 || got.To != "CONTACTED" || got.Trigger != "interaction" {
		t.Fatalf("unexpected change %+v", got)
	}
}

func TestNewRedisRequiresAddress(t *testing.T) {
	if _, err := NewRedis(context.Background(), " ", "", nil); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestNopNotifier(t *testing.T) {
	var n Notifier = Nop{}
	if err := n.Publish(context.Background(), StageChange{AccountID: 1, To: "WON"}); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
}

package ws

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap"
)

func TestMarkPriceStreamHandle(t *testing.T) {
	stream := NewMarkPriceStream(nil, zap.NewNop())
	stream.handle(json.RawMessage(`{"e":"markPriceUpdate","s":"BTCUSDT","p":"50123.40","r":"0.0001","E":1700000000000}`))

	mark, ok := stream.Mark("BTCUSDT")
	if !ok {
		t.Fatalf("expected mark for BTCUSDT")
	}
	if mark.Price != 50123.40 {
		t.Fatalf("expected price 50123.40, got %f", mark.Price)
	}
	if mark.FundingRate != 0.0001 {
		t.Fatalf("expected funding 0.0001, got %f", mark.FundingRate)
	}
}

func TestMarkPriceStreamIgnoresOtherEvents(t *testing.T) {
	stream := NewMarkPriceStream(nil, zap.NewNop())
	stream.handle(json.RawMessage(`{"result":null,"id":1}`))
	stream.handle(json.RawMessage(`{"e":"markPriceUpdate","s":"BTCUSDT","p":"bogus"}`))
	if _, ok := stream.Mark("BTCUSDT"); ok {
		t.Fatalf("expected no mark from malformed events")
	}
}

package trigger

import (
	"testing"
	"time"
)

func TestDedupWindowBlocksRepeat(t *testing.T) {
	d := NewDedup(10 * time.Second)
	now := time.Unix(1_700_000_000, 0)

	ok, _ := d.Check("BTCUSDT", "fund_flow", "t1", now)
	if !ok {
		t.Fatalf("first event must pass")
	}
	ok, reason := d.Check("BTCUSDT", "fund_flow", "t2", now.Add(5*time.Second))
	if ok || reason != "dedup_window" {
		t.Fatalf("expected dedup_window rejection, got ok=%t reason=%s", ok, reason)
	}
	ok, _ = d.Check("BTCUSDT", "fund_flow", "t3", now.Add(11*time.Second))
	if !ok {
		t.Fatalf("event past the window must pass")
	}
}

func TestDedupSameTriggerIDAlwaysRejected(t *testing.T) {
	d := NewDedup(10 * time.Second)
	now := time.Unix(1_700_000_000, 0)

	if ok, _ := d.Check("BTCUSDT", "fund_flow", "t1", now); !ok {
		t.Fatalf("first event must pass")
	}
	ok, reason := d.Check("BTCUSDT", "fund_flow", "t1", now.Add(time.Hour))
	if ok || reason != "dedup_duplicate_id" {
		t.Fatalf("expected duplicate id rejection, got ok=%t reason=%s", ok, reason)
	}
}

func TestDedupRemembersInterleavedIDs(t *testing.T) {
	d := NewDedup(time.Second)
	now := time.Unix(1_700_000_000, 0)

	if ok, _ := d.Check("BTCUSDT", "fund_flow", "a", now); !ok {
		t.Fatalf("first event must pass")
	}
	if ok, _ := d.Check("BTCUSDT", "fund_flow", "b", now.Add(2*time.Second)); !ok {
		t.Fatalf("new id past the window must pass")
	}
	ok, reason := d.Check("BTCUSDT", "fund_flow", "a", now.Add(4*time.Second))
	if ok || reason != "dedup_duplicate_id" {
		t.Fatalf("interleaved repeat must be rejected, got ok=%t reason=%s", ok, reason)
	}
}

func TestDedupRecentIDsAreBounded(t *testing.T) {
	d := NewDedup(0)
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i <= dedupRecentIDs; i++ {
		id := "t" + string(rune('A'+i%26)) + string(rune('0'+i/26))
		if ok, _ := d.Check("BTCUSDT", "fund_flow", id, now); !ok {
			t.Fatalf("event %d must pass", i)
		}
		now = now.Add(time.Second)
	}
	if ok, _ := d.Check("BTCUSDT", "fund_flow", "tA0", now); !ok {
		t.Fatalf("evicted id must be admitted again")
	}
}

func TestDedupKeysAreIndependent(t *testing.T) {
	d := NewDedup(10 * time.Second)
	now := time.Unix(1_700_000_000, 0)

	if ok, _ := d.Check("BTCUSDT", "fund_flow", "t1", now); !ok {
		t.Fatalf("first event must pass")
	}
	if ok, _ := d.Check("ETHUSDT", "fund_flow", "t1", now); !ok {
		t.Fatalf("different symbol must pass")
	}
	if ok, _ := d.Check("BTCUSDT", "scheduled", "t1", now); !ok {
		t.Fatalf("different trigger type must pass")
	}
}

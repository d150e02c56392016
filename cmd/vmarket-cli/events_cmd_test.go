package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEventsCommandPrintsPage(t *testing.T) {
	var gotParams map[string]interface{}
	stubMarketRPC(t, func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		if method != "vmk_getEvents" {
			t.Fatalf("method = %q", method)
		}
		if requireAuth {
			t.Fatal("journal reads must not require auth")
		}
		raw, _ := json.Marshal(params)
		if err := json.Unmarshal(raw, &gotParams); err != nil {
			t.Fatalf("unmarshal params: %v", err)
		}
		return json.RawMessage(`[
			{"sequence":3,"type":"market.listing.created","attributes":{"listingId":"l1"}},
			{"sequence":4,"type":"market.purchase.completed","attributes":{"listingId":"l1"}}
		]`), nil, nil
	})

	var stdout, stderr bytes.Buffer
	code := runEventsCommand([]string{"--after", "2", "--limit", "10"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr.String())
	}
	if gotParams["after"] != float64(2) {
		t.Fatalf("after = %v", gotParams["after"])
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), stdout.String())
	}
	if !strings.Contains(lines[0], `"sequence":3`) || !strings.Contains(lines[1], `"sequence":4`) {
		t.Fatalf("events out of order: %q", stdout.String())
	}
}

func TestEventsCommandFollowAdvancesCursor(t *testing.T) {
	slept := 0
	originalSleep := eventsSleep
	eventsSleep = func(time.Duration) { slept++ }
	t.Cleanup(func() { eventsSleep = originalSleep })

	calls := 0
	var cursors []float64
	stubMarketRPC(t, func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		calls++
		raw, _ := json.Marshal(params)
		var p map[string]interface{}
		_ = json.Unmarshal(raw, &p)
		cursors = append(cursors, p["after"].(float64))
		switch calls {
		case 1:
			return json.RawMessage(`[{"sequence":5,"type":"market.paused","attributes":{}}]`), nil, nil
		default:
			return nil, &rpcError{Code: -32000, Message: "stop"}, nil
		}
	})

	var stdout, stderr bytes.Buffer
	code := runEventsCommand([]string{"--follow", "--limit", "5"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if calls != 2 {
		t.Fatalf("expected 2 fetches, got %d (slept %d)", calls, slept)
	}
	if cursors[1] != 5 {
		t.Fatalf("second fetch cursor = %v, want 5", cursors[1])
	}
	if !strings.Contains(stdout.String(), `"sequence":5`) {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestEventsCommandRejectsBadLimit(t *testing.T) {
	stubMarketRPC(t, func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		t.Fatal("unexpected RPC call")
		return nil, nil, nil
	})
	var stdout, stderr bytes.Buffer
	if code := runEventsCommand([]string{"--limit", "0"}, &stdout, &stderr); code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stderr.String(), "--limit must be between 1 and 500") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

var eventsSleep = time.Sleep

type journalEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// runEventsCommand reads the committed event journal over vmk_getEvents,
// either as a single page or as a polling tail with --follow.
func runEventsCommand(args []string, stdout, stderr io.Writer) int {
	fs := newMarketFlagSet("events", stderr)
	var (
		after    uint64
		limit    int
		follow   bool
		interval time.Duration
	)
	fs.Uint64Var(&after, "after", 0, "return events with sequence strictly greater than this")
	fs.IntVar(&limit, "limit", 100, "maximum events per fetch")
	fs.BoolVar(&follow, "follow", false, "keep polling for new events")
	fs.DurationVar(&interval, "interval", 2*time.Second, "poll interval with --follow")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if limit <= 0 || limit > 500 {
		return printMarketError(stderr, "--limit must be between 1 and 500")
	}
	if interval <= 0 {
		return printMarketError(stderr, "--interval must be positive")
	}

	cursor := after
	for {
		events, err := fetchJournalEvents(cursor, limit)
		if err != nil {
			fmt.Fprintf(stderr, "Error fetching events: %v\n", err)
			return 1
		}
		for _, evt := range events {
			line, err := json.Marshal(evt)
			if err != nil {
				fmt.Fprintf(stderr, "Error encoding event %d: %v\n", evt.Sequence, err)
				return 1
			}
			fmt.Fprintln(stdout, string(line))
			if evt.Sequence > cursor {
				cursor = evt.Sequence
			}
		}
		if !follow {
			return 0
		}
		if len(events) < limit {
			eventsSleep(interval)
		}
	}
}

func fetchJournalEvents(after uint64, limit int) ([]journalEvent, error) {
	params := map[string]interface{}{"after": after, "limit": limit}
	result, rpcErr, err := marketRPCCall("vmk_getEvents", params, false)
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, fmt.Errorf("RPC error %d: %s", rpcErr.Code, rpcErr.Message)
	}
	var events []journalEvent
	if err := json.Unmarshal(result, &events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return events, nil
}

package main

import (
	"testing"
	"time"
)

func TestSignalingURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{base: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080/v1/signal/ws"},
		{base: "https://telecare.example.com/", want: "wss://telecare.example.com/v1/signal/ws"},
		{base: "http://proxy.local/api?x=1", want: "ws://proxy.local/api/v1/signal/ws"},
	}
	for _, tc := range cases {
		got, err := signalingURL(tc.base)
		if err != nil {
			t.Fatalf("signalingURL(%q) error = %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("signalingURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestSignalingURLRejectsUnsupportedScheme(t *testing.T) {
	for _, base := range []string{"ftp://host", "http://", "ws://host"} {
		if _, err := signalingURL(base); err == nil {
			t.Fatalf("signalingURL(%q) expected error", base)
		}
	}
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := percentile(sorted, 0.50); got != 5 {
		t.Fatalf("p50 = %v, want 5", got)
	}
	if got := percentile(sorted, 0.95); got != 10 {
		t.Fatalf("p95 = %v, want 10", got)
	}
	if got := percentile(sorted, 0); got != 1 {
		t.Fatalf("p0 = %v, want 1", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("percentile(nil) = %v, want 0", got)
	}
}

func TestRecorderSummarizeSortsStages(t *testing.T) {
	rec := &recorder{samples: make(map[string][]float64)}
	rec.observe("initiate_to_incoming", 3*time.Millisecond)
	rec.observe("initiate_to_incoming", 1*time.Millisecond)
	rec.observe("accept_to_accepted", 2*time.Millisecond)

	got := rec.summarize()
	if len(got) != 2 {
		t.Fatalf("len(summarize()) = %d, want 2", len(got))
	}
	if got[0].Stage != "accept_to_accepted" || got[1].Stage != "initiate_to_incoming" {
		t.Fatalf("stage order = [%s %s]", got[0].Stage, got[1].Stage)
	}
	if got[1].Samples != 2 || got[1].P50MS != 1 || got[1].MaxMS != 3 {
		t.Fatalf("initiate_to_incoming summary = %+v", got[1])
	}
}

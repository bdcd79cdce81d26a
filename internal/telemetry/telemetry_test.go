package telemetry

import (
	"context"
	"testing"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "property-search"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown returned %v", err)
	}
}

func TestSampleRatioClamps(t *testing.T) {
	cases := map[float64]float64{0: 1, -1: 1, 0.25: 0.25, 1: 1, 3: 1}
	for in, want := range cases {
		if got := sampleRatio(in); got != want {
			t.Fatalf("sampleRatio(%v) = %v, want %v", in, got, want)
		}
	}
}

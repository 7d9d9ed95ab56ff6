package main

import (
	"testing"

	"ef-rpc/policy"
)

func TestAdvertiseAddr(t *testing.T) {
	cases := map[string]string{
		":9000":          "127.0.0.1:9000",
		"0.0.0.0:9000":   "127.0.0.1:9000",
		"10.0.0.5:9000":  "10.0.0.5:9000",
		"rpc.local:9000": "rpc.local:9000",
	}
	for listen, want := range cases {
		if got := advertiseAddr(listen); got != want {
			t.Errorf("advertiseAddr(%q) = %q, want %q", listen, got, want)
		}
	}
}

func TestCalcPolicies(t *testing.T) {
	set := calcPolicies(policy.Default())
	if err := set.Validate(); err != nil {
		t.Fatal(err)
	}
	if !set.For("Add").Cache.Enabled {
		t.Error("Add results should be cached")
	}
	if set.For("Sleep").Attempts() != 1 {
		t.Errorf("Sleep attempts = %d, want 1", set.For("Sleep").Attempts())
	}
	if set.For("Div").Cache.Enabled {
		t.Error("Div falls back to the default policy")
	}
}

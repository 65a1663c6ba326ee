package reliability

import (
	"testing"
	"time"
)

func TestIsRejectedClose(t *testing.T) {
	cases := []struct {
		code   int
		reason string
		want   bool
	}{
		{1007, "", true},
		{1008, "Unsafe prompt detected", true},
		{1011, "request rejected by safety filter", true},
		{1000, "", false},
		{1006, "unexpected EOF", false},
		{1011, "internal error", false},
	}
	for _, tc := range cases {
		got := IsRejectedClose(tc.code, tc.reason)
		if got != tc.want {
			t.Fatalf("IsRejectedClose(%d, %q) = %v, want %v", tc.code, tc.reason, got, tc.want)
		}
	}
}

func TestCloseCause(t *testing.T) {
	cases := map[int]string{
		1007: "rejected",
		1000: "normal",
		1011: "server_error",
		1006: "transient",
	}
	for code, want := range cases {
		if got := CloseCause(code, ""); got != want {
			t.Fatalf("CloseCause(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := time.Second
	capDur := 30 * time.Second
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 4*time.Second {
		t.Fatalf("attempt 2 = %v, want 4s", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

package cachestatus

import "testing"

func TestCacheStatusString(t *testing.T) {
	tests := []struct {
		cs   func() CacheStatus
		want string
	}{
		{func() CacheStatus {
			cs := CacheStatus{}
			cs.Hit()
			return cs
		}, "Offline-Cache; hit"},
		{func() CacheStatus {
			cs := CacheStatus{}
			cs.Forward(FwdReasonUriMiss)
			cs.Stored = true
			return cs
		}, "Offline-Cache; fwd=uri-miss; stored"},
		{func() CacheStatus {
			cs := CacheStatus{}
			cs.Forward(FwdReasonUriMiss)
			cs.Detail = DetailOfflineFallback
			return cs
		}, "Offline-Cache; fwd=uri-miss; detail=offline-fallback"},
		{func() CacheStatus {
			cs := CacheStatus{}
			cs.Forward(FwdReasonMethod)
			return cs
		}, "Offline-Cache; fwd=method"},
	}
	for _, test := range tests {
		if got := test.cs().String(); got != test.want {
			t.Fatalf("Got %q, want %q", got, test.want)
		}
	}
}

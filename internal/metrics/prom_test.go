package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	SetBuildInfo("1.0.0", "abc", "2024-01-01")
	RecordRequest("tools/call", "ok")
	RecordRequest("tools/call", "RATE_LIMITED")
	ObserveDuration("tools/call", "direct", 100*time.Millisecond)
	RecordRateLimited("search")
	RecordQuotaStoreError()
	SessionOpened()
	SessionOpened()
	SessionClosed()
	RecordRelayError("drain")
	RecordStreamChunk("sse")

	if v := testutil.ToFloat64(rpcRequests.WithLabelValues("tools/call", "ok")); v != 1 {
		t.Fatalf("requests ok: %v", v)
	}
	if v := testutil.ToFloat64(rpcRequests.WithLabelValues("tools/call", "RATE_LIMITED")); v != 1 {
		t.Fatalf("requests limited: %v", v)
	}
	if v := testutil.ToFloat64(rateLimited.WithLabelValues("search")); v != 1 {
		t.Fatalf("rate limited: %v", v)
	}
	if v := testutil.ToFloat64(quotaStoreErrors); v != 1 {
		t.Fatalf("quota store errors: %v", v)
	}
	if v := testutil.ToFloat64(sessionsOpen); v != 1 {
		t.Fatalf("sessions open: %v", v)
	}
	if v := testutil.ToFloat64(relayErrors.WithLabelValues("drain")); v != 1 {
		t.Fatalf("relay errors: %v", v)
	}
	if v := testutil.ToFloat64(streamChunks.WithLabelValues("sse")); v != 1 {
		t.Fatalf("stream chunks: %v", v)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("2024-01-01", "abc", "1.0.0")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
	if n := testutil.CollectAndCount(rpcDuration); n != 1 {
		t.Fatalf("duration series: %d", n)
	}
}

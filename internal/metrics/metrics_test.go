package metrics

import "testing"

func TestCounterVecReusesRegisteredCollector(t *testing.T) {
	first := CounterVec("test", "reuse_total", "test counter", "module")
	second := CounterVec("test", "reuse_total", "test counter", "module")
	if first != second {
		t.Fatal("expected second registration to return the existing collector")
	}
}

func TestGaugeAndHistogramReuse(t *testing.T) {
	if GaugeVec("test", "reuse_gauge", "g", "module") != GaugeVec("test", "reuse_gauge", "g", "module") {
		t.Fatal("expected gauge reuse")
	}
	if HistogramVec("test", "reuse_seconds", "h", DurationBuckets, "module") != HistogramVec("test", "reuse_seconds", "h", DurationBuckets, "module") {
		t.Fatal("expected histogram reuse")
	}
}

package platformlog

import "testing"

func TestStreamSplitterRoutesByLevel(t *testing.T) {
	s := streamSplitter{}
	if n, err := s.Write([]byte("time=now level=info msg=hi\n")); err != nil || n == 0 {
		t.Fatalf("unexpected write result: n=%d err=%v", n, err)
	}
	if n, err := s.Write([]byte("time=now level=error msg=oops\n")); err != nil || n == 0 {
		t.Fatalf("unexpected write result: n=%d err=%v", n, err)
	}
}

func TestNewAppliesServiceFields(t *testing.T) {
	entry := New(Config{Level: "debug", Format: "json", Service: "apphubd", Version: "1.2.3"})
	if entry.Data["service"] != "apphubd" || entry.Data["version"] != "1.2.3" {
		t.Fatalf("expected service/version fields, got %#v", entry.Data)
	}
}

func TestForRunStampsCorrelationFields(t *testing.T) {
	base := New(Config{Service: "apphubd"})
	run := ForRun(base, "run-1", "ingest-daily", "req-1")
	if run.Data["runID"] != "run-1" || run.Data["jobSlug"] != "ingest-daily" || run.Data["requestID"] != "req-1" {
		t.Fatalf("expected correlation fields, got %#v", run.Data)
	}
}

package ping

import "testing"

func TestStatusShape(t *testing.T) {
	s := Status{ServerID: "srv-1", Connected: true, CheckedAt: "2026-08-02T00:00:00Z"}
	if s.ServerID != "srv-1" || !s.Connected {
		t.Errorf("unexpected status: %+v", s)
	}
}

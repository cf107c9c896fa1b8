package deploy

import "testing"

func TestIPv4ShapeMatches(t *testing.T) {
	cases := map[string]bool{
		"10.0.0.5":        true,
		"203.0.113.7":     true,
		"::1":             false,
		"not-an-ip":       false,
		"10.0.0.5 22222 22": false,
	}
	for in, want := range cases {
		got := ipv4Shape.MatchString(in)
		if got != want {
			t.Errorf("ipv4Shape.MatchString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildConfigDefaults(t *testing.T) {
	opts := Options{
		ServerID:       "srv-1",
		ControllerPort: 9990,
	}
	cfg := buildConfig(opts, "10.0.0.1")

	if cfg.Agent.ServerID != "srv-1" {
		t.Errorf("ServerID = %q, want srv-1", cfg.Agent.ServerID)
	}
	if cfg.Server.Host != "10.0.0.1" || cfg.Server.Port != 9990 {
		t.Errorf("Server = %+v, want host 10.0.0.1 port 9990", cfg.Server)
	}
	if cfg.Sync.CompressionLevel != 3 {
		t.Errorf("CompressionLevel = %d, want 3", cfg.Sync.CompressionLevel)
	}
	if !cfg.Daemon.RestartOnFailure {
		t.Error("RestartOnFailure should default true")
	}
}

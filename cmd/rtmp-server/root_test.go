package main

import "testing"

func TestValidateRelayDestination(t *testing.T) {
	cases := []struct {
		url     string
		wantErr bool
	}{
		{"rtmp://relay.example.com/live/key", false},
		{"rtmps://relay.example.com/live/key", true},
		{"http://relay.example.com/live/key", true},
		{"rtmp://", true},
		{"not a url", true},
	}
	for _, tc := range cases {
		err := validateRelayDestination(tc.url)
		if (err != nil) != tc.wantErr {
			t.Errorf("validateRelayDestination(%q) error = %v, wantErr %v", tc.url, err, tc.wantErr)
		}
	}
}

func TestValidateHookAssignment(t *testing.T) {
	cases := []struct {
		assignment string
		wantErr    bool
	}{
		{"publish_start=/usr/local/bin/on-publish.sh", false},
		{"stream_delete=https://hooks.example.com/gone", false},
		{"no-equals-sign", true},
		{"=missing-event-type", true},
		{"publish_start=", true},
		{"bogus_event=value", true},
	}
	for _, tc := range cases {
		err := validateHookAssignment("hook-script", tc.assignment)
		if (err != nil) != tc.wantErr {
			t.Errorf("validateHookAssignment(%q) error = %v, wantErr %v", tc.assignment, err, tc.wantErr)
		}
	}
}

func TestValidateHookConfig(t *testing.T) {
	base := func() *serveFlags {
		return &serveFlags{hookConcurrency: 10}
	}

	cfg := base()
	if err := validateHookConfig(cfg); err != nil {
		t.Fatalf("expected default config valid, got %v", err)
	}

	cfg = base()
	cfg.hookStdioFormat = "xml"
	if err := validateHookConfig(cfg); err == nil {
		t.Fatalf("expected error for invalid hook-stdio-format")
	}

	cfg = base()
	cfg.hookConcurrency = 0
	if err := validateHookConfig(cfg); err == nil {
		t.Fatalf("expected error for out-of-range hook-concurrency")
	}

	cfg = base()
	cfg.hookScripts = []string{"not-valid"}
	if err := validateHookConfig(cfg); err == nil {
		t.Fatalf("expected error for malformed hook-script")
	}

	cfg = base()
	cfg.hookTimeout = "30x"
	if err := validateHookConfig(cfg); err == nil {
		t.Fatalf("expected error for malformed hook-timeout")
	}
}

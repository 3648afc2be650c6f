package tracing

import (
	"log/slog"
	"testing"
)

func TestConfigEnabled(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cfg  Config
		want bool
	}{
		{Config{}, false},
		{Config{PublicKey: "pk"}, false},
		{Config{SecretKey: "sk"}, false},
		{Config{PublicKey: "pk", SecretKey: "sk"}, true},
	}
	for _, tc := range cases {
		if got := tc.cfg.Enabled(); got != tc.want {
			t.Errorf("Enabled(%+v) = %v, want %v", tc.cfg, got, tc.want)
		}
	}
}

func TestSetup_DisabledIsNoop(t *testing.T) {
	t.Parallel()
	flush := Setup(Config{}, slog.Default())
	if flush == nil {
		t.Fatal("Setup must always return a flush function")
	}
	flush()
}

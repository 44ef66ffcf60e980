package memory

import (
	"runtime/debug"
	"testing"
)

// restoreMemoryLimit undoes any limit a test sets through ConfigureFromEnv.
func restoreMemoryLimit(t *testing.T) {
	t.Helper()
	prev := debug.SetMemoryLimit(-1)
	t.Cleanup(func() { debug.SetMemoryLimit(prev) })
}

func TestConfigureFromEnvNoVariables(t *testing.T) {
	restoreMemoryLimit(t)
	t.Setenv(envGoMemoryLimit, "")
	t.Setenv(envMemoryLimit, "")
	t.Setenv(envMemoryRatio, "")

	result := ConfigureFromEnv()

	if result.Configured {
		t.Error("Expected Configured to be false when no env vars set")
	}
	if result.Source != sourceNone {
		t.Errorf("Expected Source %q, got %q", sourceNone, result.Source)
	}
	if result.ContainerLimit != 0 || result.GoMemLimit != 0 || result.Ratio != 0 {
		t.Errorf("Expected zero limits, got %+v", result)
	}
}

func TestConfigureFromEnvMemoryLimit(t *testing.T) {
	tests := []struct {
		name      string
		ratio     string
		wantRatio float64
	}{
		{"default ratio", "", DefaultMemoryRatio},
		{"custom ratio", "0.75", 0.75},
		{"ratio of one", "1.0", 1.0},
		{"ratio out of range", "1.5", DefaultMemoryRatio},
		{"zero ratio", "0", DefaultMemoryRatio},
		{"unparsable ratio", "half", DefaultMemoryRatio},
	}

	const limit = int64(1 << 30)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restoreMemoryLimit(t)
			t.Setenv(envGoMemoryLimit, "")
			t.Setenv(envMemoryLimit, "1073741824")
			t.Setenv(envMemoryRatio, tt.ratio)

			result := ConfigureFromEnv()

			if !result.Configured || result.Source != sourceMemoryLimit {
				t.Fatalf("Expected configuration from MEMORY_LIMIT, got %+v", result)
			}
			if result.ContainerLimit != limit {
				t.Errorf("Expected ContainerLimit %d, got %d", limit, result.ContainerLimit)
			}
			if result.Ratio != tt.wantRatio {
				t.Errorf("Expected Ratio %v, got %v", tt.wantRatio, result.Ratio)
			}
			want := int64(float64(limit) * tt.wantRatio)
			if result.GoMemLimit != want {
				t.Errorf("Expected GoMemLimit %d, got %d", want, result.GoMemLimit)
			}
			if got := debug.SetMemoryLimit(-1); got != want {
				t.Errorf("Expected runtime limit %d, got %d", want, got)
			}
		})
	}
}

func TestConfigureFromEnvInvalidLimit(t *testing.T) {
	for _, value := range []string{"lots", "-5", "0"} {
		t.Run(value, func(t *testing.T) {
			restoreMemoryLimit(t)
			t.Setenv(envGoMemoryLimit, "")
			t.Setenv(envMemoryLimit, value)

			result := ConfigureFromEnv()
			if result.Configured {
				t.Errorf("Expected MEMORY_LIMIT=%q to be ignored, got %+v", value, result)
			}
		})
	}
}

func TestConfigureFromEnvGOMEMLIMITWins(t *testing.T) {
	restoreMemoryLimit(t)
	t.Setenv(envGoMemoryLimit, "500MiB")
	t.Setenv(envMemoryLimit, "1073741824")

	// The runtime reads GOMEMLIMIT only at startup, so apply it by hand.
	debug.SetMemoryLimit(500 << 20)

	result := ConfigureFromEnv()

	if result.Source != sourceGOMEMLIMIT {
		t.Errorf("Expected Source %q, got %q", sourceGOMEMLIMIT, result.Source)
	}
	if result.GoMemLimit != 500<<20 {
		t.Errorf("Expected GoMemLimit %d, got %d", 500<<20, result.GoMemLimit)
	}
	if result.ContainerLimit != 0 {
		t.Error("MEMORY_LIMIT must be ignored when GOMEMLIMIT is set")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{1 << 30, "1.0 GiB"},
		{1536 << 20, "1.5 GiB"},
	}

	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

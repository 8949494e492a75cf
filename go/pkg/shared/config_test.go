package shared

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadEngineConfigDefaults(t *testing.T) {
	cfg, err := Load[EngineConfig]("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WaitStrategy != WaitSleeping || cfg.VolumeBarThreshold != 1000 || cfg.RunMode != RunSim {
		t.Fatalf("defaults=%+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.SimulationEventDelay() != 10*time.Millisecond {
		t.Fatalf("delay=%s", cfg.SimulationEventDelay())
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg, _ := Load[EngineConfig]("")
	cfg.WaitStrategy = "spin"
	cfg.VolumeBarThreshold = 0
	cfg.RunMode = "paper"
	err := cfg.Validate()
	if !errors.Is(err, ErrConfigurationInvalid) {
		t.Fatalf("err=%v", err)
	}
	for _, want := range []string{"wait_strategy", "volume_bar_threshold", "run_mode"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("%q missing from %v", want, err)
		}
	}
}

func TestDotEnvDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("VOLUME_BAR_THRESHOLD=250\nWAIT_STRATEGY=yielding\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WAIT_STRATEGY", "blocking")
	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("VOLUME_BAR_THRESHOLD") })
	cfg, err := Load[EngineConfig]("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.VolumeBarThreshold != 250 || cfg.WaitStrategy != WaitBlocking {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestBrokerList(t *testing.T) {
	k := KafkaConfig{Brokers: " a:9092, ,b:9092 "}
	if got := k.BrokerList(); len(got) != 2 || got[1] != "b:9092" {
		t.Fatalf("brokers=%v", got)
	}
	if got := (KafkaConfig{}).BrokerList(); got[0] != "localhost:9092" {
		t.Fatalf("fallback=%v", got)
	}
}

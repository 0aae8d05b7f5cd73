package obslog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FORMAT", "bogus")
	t.Setenv("LOG_TO_FILE", "true")
	t.Setenv("LOG_FILE", "")
	o := OptionsFromEnv()
	if o.Level != zapcore.WarnLevel || o.Format != "legacy" || !o.ToFile {
		t.Fatalf("unexpected options %+v", o)
	}
	if o.File != filepath.Join("logs", "live-game.log") {
		t.Fatalf("default file = %q", o.File)
	}
}

func TestBuild_WritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "app.log")
	l, err := Build(Options{Level: zapcore.InfoLevel, Format: "json", ToFile: true, File: path})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	l.Info("game_move", zap.String("game_id", "g1"))
	_ = l.Sync()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(raw), `"game_id":"g1"`) {
		t.Fatalf("unexpected log line %q", raw)
	}
}

func TestOrAndSet(t *testing.T) {
	custom := zap.NewExample()
	if Or(custom) != custom {
		t.Fatalf("Or ignored explicit logger")
	}
	Set(custom)
	defer Set(nil)
	if L() != custom || Or(nil) != custom {
		t.Fatalf("Set did not replace the process logger")
	}
}

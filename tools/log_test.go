package tools

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLoggerClonerTagsSubsystem(t *testing.T) {
	var buf bytes.Buffer
	root := logrus.New()
	root.SetOutput(&buf)
	root.SetFormatter(&logrus.JSONFormatter{})
	root.SetLevel(logrus.DebugLevel)

	l := LoggerCloner(root).New("dispatch")
	if l.Level != logrus.DebugLevel {
		t.Fatalf("clone must share the root level, got %v", l.Level)
	}

	l.Debug("hello")

	var entry map[string]any
	err := json.Unmarshal(buf.Bytes(), &entry)
	if err != nil {
		t.Fatal(err)
	}
	if entry["who"] != "dispatch" {
		t.Fatalf("expected who=dispatch, got %v", entry["who"])
	}

	// the root logger keeps its own hooks untouched
	buf.Reset()
	root.Info("root speaking")
	entry = map[string]any{}
	err = json.Unmarshal(buf.Bytes(), &entry)
	if err != nil {
		t.Fatal(err)
	}
	if _, tagged := entry["who"]; tagged {
		t.Fatalf("root logger must not inherit the clone's who field, got %v", entry["who"])
	}
}

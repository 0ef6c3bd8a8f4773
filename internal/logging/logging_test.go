package logging_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/calvinalkan/mediadb/internal/logging"
)

func Test_New_Writes_JSON_Above_Level(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	log, err := logging.New(&buf, "info", "json")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Debug("hidden")
	log.Info("flushed", zap.String("catalogue", "Music"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines=%d, want=1: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal %q: %v", lines[0], err)
	}

	if entry["msg"] != "flushed" || entry["catalogue"] != "Music" || entry["level"] != "info" {
		t.Fatalf("entry=%v", entry)
	}
}

func Test_New_Rejects_Unknown_Format(t *testing.T) {
	t.Parallel()

	if _, err := logging.New(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Fatal("want error for xml format")
	}

	if _, err := logging.New(&bytes.Buffer{}, "chatty", "console"); err == nil {
		t.Fatal("want error for unknown level")
	}
}

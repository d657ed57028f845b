package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewFallsBackToInfo(t *testing.T) {
	logger := New("loud", "json")
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected json formatter")
	}
	if _, ok := New("debug", "text").Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("expected text formatter")
	}
}

func TestLogErrorWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New("error", "json")
	logger.SetOutput(&buf)

	LogError(logger, "service", "CloseTicket", "carryover failed", map[string]string{"ticket_id": "tkt_1"}, errors.New("boom"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["module"] != "service" || entry["funcName"] != "CloseTicket" || entry["msg"] != "boom" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, ok := entry["data"]; !ok {
		t.Fatalf("expected data field")
	}
}

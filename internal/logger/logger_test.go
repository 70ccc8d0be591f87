package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"DEBUG", logrus.DebugLevel},
		{"debug", logrus.DebugLevel},
		{"INFO", logrus.InfoLevel},
		{"WARN", logrus.WarnLevel},
		{" ERROR ", logrus.ErrorLevel},
		{"", logrus.InfoLevel},
		{"verbose", logrus.InfoLevel},
	}

	for _, test := range tests {
		if level := ParseLevel(test.input); level != test.expected {
			t.Errorf("For input '%s', expected '%s', got '%s'", test.input, test.expected, level)
		}
	}
}

func TestInitializeWritesLogFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "numbers.log")
	Initialize("DEBUG", logFile)

	WithModel("abc", "test").Info("hello")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Expected log file to be created: %v", err)
	}
	if len(data) == 0 {
		t.Error("Expected log file to contain output")
	}
	if GetLogger().GetLevel() != logrus.DebugLevel {
		t.Errorf("Expected debug level, got %s", GetLogger().GetLevel())
	}
}

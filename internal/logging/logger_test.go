package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func resetLogging() {
	CloseAll()
	CloseAudit()
	loggers = make(map[Category]*Logger)
	opts = Options{}
	logLevel = LevelInfo
}

// TestAllCategoriesLog tests that all categories create log files when enabled.
func TestAllCategoriesLog(t *testing.T) {
	tempDir := t.TempDir()
	resetLogging()

	err := Initialize(Options{
		Directory: tempDir,
		Level:     "debug",
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	categories := []Category{
		CategoryBoot,
		CategoryServer,
		CategoryRouting,
		CategorySynthesis,
		CategoryDecision,
		CategoryMemory,
		CategoryState,
		CategoryStore,
		CategoryEmbedding,
		CategorySession,
		CategoryProjection,
		CategoryGateway,
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}
		logger := Get(cat)
		logger.Info("Test info message for %s", cat)
		logger.Debug("Test debug message for %s", cat)
		logger.Warn("Test warn message for %s", cat)
		logger.Error("Test error message for %s", cat)
	}

	CloseAll()

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}
	found := make(map[string]bool)
	for _, entry := range entries {
		for _, cat := range categories {
			if strings.Contains(entry.Name(), "_"+string(cat)+".log") {
				found[string(cat)] = true
			}
		}
	}
	for _, cat := range categories {
		if !found[string(cat)] {
			t.Errorf("Expected log file for category %s", cat)
		}
	}
}

func TestDisabledLoggingIsNoop(t *testing.T) {
	tempDir := t.TempDir()
	resetLogging()

	if err := Initialize(Options{Enabled: false, Directory: tempDir}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if IsEnabled() {
		t.Error("Expected logging to be disabled")
	}

	Get(CategoryRouting).Info("should not appear")
	Routing("should not appear either")

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no log files when disabled, got %d", len(entries))
	}
}

func TestCategoryFilter(t *testing.T) {
	tempDir := t.TempDir()
	resetLogging()

	err := Initialize(Options{
		Directory: tempDir,
		Level:     "debug",
		Enabled:   true,
		Categories: map[string]bool{
			"routing": true,
			"store":   false,
		},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if !IsCategoryEnabled(CategoryRouting) {
		t.Error("routing should be enabled")
	}
	if IsCategoryEnabled(CategoryStore) {
		t.Error("store should be disabled")
	}
	// Unlisted categories default to enabled.
	if !IsCategoryEnabled(CategoryMemory) {
		t.Error("memory should default to enabled")
	}

	Get(CategoryStore).Info("filtered out")
	CloseAll()

	entries, _ := os.ReadDir(tempDir)
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "_store.log") {
			t.Error("store log file should not exist when category disabled")
		}
	}
}

func TestLevelGating(t *testing.T) {
	tempDir := t.TempDir()
	resetLogging()

	err := Initialize(Options{
		Directory: tempDir,
		Level:     "warn",
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	logger := Get(CategoryDecision)
	logger.Debug("debug-hidden")
	logger.Info("info-hidden")
	logger.Warn("warn-visible")
	logger.Error("error-visible")
	CloseAll()

	entries, _ := os.ReadDir(tempDir)
	var content []byte
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "_decision.log") {
			content, _ = os.ReadFile(filepath.Join(tempDir, entry.Name()))
		}
	}
	text := string(content)
	if strings.Contains(text, "debug-hidden") || strings.Contains(text, "info-hidden") {
		t.Error("messages below warn level should be gated")
	}
	if !strings.Contains(text, "warn-visible") || !strings.Contains(text, "error-visible") {
		t.Error("warn and error messages should be written")
	}
}

func TestConcurrentLogging(t *testing.T) {
	tempDir := t.TempDir()
	resetLogging()

	err := Initialize(Options{
		Directory: tempDir,
		Level:     "debug",
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger := Get(CategoryState)
			for j := 0; j < 10; j++ {
				logger.Info("goroutine %d message %d", n, j)
			}
		}(i)
	}
	wg.Wait()
	CloseAll()
}

func TestJSONFormat(t *testing.T) {
	tempDir := t.TempDir()
	resetLogging()

	err := Initialize(Options{
		Directory:  tempDir,
		Level:      "info",
		Enabled:    true,
		JSONFormat: true,
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Get(CategoryGateway).Info("call to %s finished", "gpt-4.1-mini")
	CloseAll()

	entries, _ := os.ReadDir(tempDir)
	var content []byte
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "_gateway.log") {
			content, _ = os.ReadFile(filepath.Join(tempDir, entry.Name()))
		}
	}
	line := string(content)
	if !strings.Contains(line, `"cat":"gateway"`) || !strings.Contains(line, `"lvl":"INFO"`) {
		t.Errorf("expected structured JSON entry, got: %s", line)
	}
	if !strings.Contains(line, "call to gpt-4.1-mini finished") {
		t.Errorf("expected message in JSON entry, got: %s", line)
	}
}

func TestRequestLogger(t *testing.T) {
	tempDir := t.TempDir()
	resetLogging()

	err := Initialize(Options{
		Directory: tempDir,
		Level:     "debug",
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	rl := WithRequestID(CategoryServer, "req-123").WithField("user", "alice")
	rl.Info("handling turn")
	CloseAll()

	entries, _ := os.ReadDir(tempDir)
	var content []byte
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "_server.log") {
			content, _ = os.ReadFile(filepath.Join(tempDir, entry.Name()))
		}
	}
	if !strings.Contains(string(content), "req:req-123") {
		t.Errorf("expected request id in log output, got: %s", content)
	}
}

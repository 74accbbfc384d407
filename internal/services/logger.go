package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/imyashkale/sitedeploy/internal/models"
)

const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"

	LogSizeLimit = 400 * 1024 // 400KB limit
)

// BuildLogger collects the user-facing log of one pipeline run
type BuildLogger struct {
	logs []models.LogEntry
	mu   sync.Mutex
	now  func() time.Time
}

// NewBuildLogger creates an empty build logger
func NewBuildLogger() *BuildLogger {
	return &BuildLogger{
		logs: make([]models.LogEntry, 0),
		now:  time.Now,
	}
}

// LogInfo logs an info level message
func (bl *BuildLogger) LogInfo(stage, message string) {
	bl.log(stage, LevelInfo, message)
}

// LogInfof logs a formatted info level message
func (bl *BuildLogger) LogInfof(stage, format string, args ...interface{}) {
	bl.log(stage, LevelInfo, fmt.Sprintf(format, args...))
}

// LogWarning logs a warning level message
func (bl *BuildLogger) LogWarning(stage, message string) {
	bl.log(stage, LevelWarning, message)
}

// LogError logs an error level message
func (bl *BuildLogger) LogError(stage, message string) {
	bl.log(stage, LevelError, message)
}

// LogLines logs each provider or command line at info level
func (bl *BuildLogger) LogLines(stage string, lines []string) {
	for _, line := range lines {
		bl.log(stage, LevelInfo, line)
	}
}

func (bl *BuildLogger) log(stage, level, message string) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	bl.logs = append(bl.logs, models.LogEntry{
		Timestamp: bl.now().UTC(),
		Stage:     stage,
		Level:     level,
		Message:   message,
	})
}

// GetLogs returns all logged entries
func (bl *BuildLogger) GetLogs() []models.LogEntry {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	logsCopy := make([]models.LogEntry, len(bl.logs))
	copy(logsCopy, bl.logs)
	return logsCopy
}

// GetLogsWithSizeLimit returns the newest logs that fit the size limit.
// When older entries are dropped a notice entry is placed first.
func (bl *BuildLogger) GetLogsWithSizeLimit() []models.LogEntry {
	logs := bl.GetLogs()

	// Rough size estimation: timestamp (25) + stage (50) + level (10) + message (len) + overhead (50)
	var totalSize int
	start := len(logs)
	for start > 0 {
		entrySize := 135 + len(logs[start-1].Message)
		if totalSize+entrySize > LogSizeLimit {
			break
		}
		totalSize += entrySize
		start--
	}
	if start == 0 {
		return logs
	}

	result := make([]models.LogEntry, 0, len(logs)-start+1)
	result = append(result, models.LogEntry{
		Timestamp: logs[start].Timestamp,
		Stage:     "system",
		Level:     LevelWarning,
		Message:   fmt.Sprintf("Log output exceeded size limit. %d older entries truncated.", start),
	})
	return append(result, logs[start:]...)
}

// Clear clears all logs
func (bl *BuildLogger) Clear() {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	bl.logs = make([]models.LogEntry, 0)
}

// pkg/logging/logging.go - timestamped session logging for winebridge
//
// Each run writes into its own timestamped directory under the configured log path:
// - install.log   plain text, one line per message
// - events.jsonl  one JSON object per message or event
// - session.yaml  YAML stream of the same entries
// Old session directories are pruned according to the retention policy.

package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/windowsadmins/winebridge/pkg/config"
	"github.com/windowsadmins/winebridge/pkg/version"
)

// LogLevel represents the severity of the log message.
type LogLevel int

const (
	LevelError LogLevel = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the string representation of the LogLevel.
func (ll LogLevel) String() string {
	switch ll {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a configuration string onto a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return LevelError
	case "WARN", "WARNING":
		return LevelWarn
	case "DEBUG":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// LogEntry is one structured record written to events.jsonl and session.yaml.
type LogEntry struct {
	Time       int64                  `json:"time" yaml:"time"`
	Timestamp  string                 `json:"timestamp" yaml:"timestamp"`
	Level      string                 `json:"level" yaml:"level"`
	Message    string                 `json:"message" yaml:"message"`
	Component  string                 `json:"component" yaml:"component"`
	PID        int64                  `json:"pid" yaml:"pid"`
	Hostname   string                 `json:"hostname" yaml:"hostname"`
	Version    string                 `json:"version" yaml:"version"`
	SessionID  string                 `json:"session_id" yaml:"session_id"`
	RunType    string                 `json:"run_type" yaml:"run_type"`
	Properties map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// RetentionPolicy defines log retention rules
type RetentionPolicy struct {
	KeepRuns   int // Keep the last N session directories
	MaxAgeDays int // Delete session directories older than this
}

// LoggerConfig holds configuration for the session logger
type LoggerConfig struct {
	BaseDir       string
	RunType       string // install, run, stop, status
	SessionID     string
	Component     string
	Level         LogLevel
	Retention     RetentionPolicy
	EnableJSON    bool
	EnableYAML    bool
	EnableConsole bool
	Console       io.Writer
}

// Logger writes every message to the session directory and optionally to the console.
type Logger struct {
	mu       sync.RWMutex
	logger   *log.Logger
	logLevel LogLevel
	logFile  *os.File
	jsonFile *os.File
	yamlFile *os.File
	config   LoggerConfig
	logDir   string
	hostname string
}

var (
	instance *Logger
	once     sync.Once
)

// DefaultRetentionPolicy returns the retention used when none is configured.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		KeepRuns:   20,
		MaxAgeDays: 30,
	}
}

// Init initializes the singleton Logger based on the provided configuration.
// It must be called before any logging functions are used.
func Init(cfg *config.Configuration) error {
	var initErr error
	once.Do(func() {
		instance, initErr = newLoggerWithConfig(loggerConfigFrom(cfg, "install"))
	})
	return initErr
}

func loggerConfigFrom(cfg *config.Configuration, runType string) LoggerConfig {
	level := ParseLevel(cfg.LogLevel)
	if cfg.Debug {
		level = LevelDebug
	}
	return LoggerConfig{
		BaseDir:       cfg.LogPath,
		RunType:       runType,
		SessionID:     generateSessionID(),
		Component:     version.AppName(),
		Level:         level,
		Retention:     DefaultRetentionPolicy(),
		EnableJSON:    true,
		EnableYAML:    true,
		EnableConsole: cfg.Verbose,
	}
}

func generateSessionID() string {
	return time.Now().Format("2006-01-02-150405")
}

func newLoggerWithConfig(cfg LoggerConfig) (*Logger, error) {
	if cfg.SessionID == "" {
		cfg.SessionID = generateSessionID()
	}
	logDir := filepath.Join(cfg.BaseDir, cfg.SessionID)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session log directory %s: %w", logDir, err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	l := &Logger{
		config:   cfg,
		logDir:   logDir,
		hostname: hostname,
		logLevel: cfg.Level,
	}
	if err := l.initializeLogFiles(); err != nil {
		return nil, err
	}

	if cfg.EnableConsole {
		console := cfg.Console
		if console == nil {
			console = os.Stderr
		}
		l.logger = log.New(io.MultiWriter(console, l.logFile), "", 0)
	} else {
		l.logger = log.New(l.logFile, "", 0)
	}

	go l.performCleanup()
	return l, nil
}

// initializeLogFiles creates and opens all log files
func (l *Logger) initializeLogFiles() error {
	var err error

	l.logFile, err = os.OpenFile(filepath.Join(l.logDir, "install.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open main log file: %w", err)
	}

	if l.config.EnableJSON {
		l.jsonFile, err = os.OpenFile(filepath.Join(l.logDir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open JSON log file: %w", err)
		}
	}

	if l.config.EnableYAML {
		l.yamlFile, err = os.OpenFile(filepath.Join(l.logDir, "session.yaml"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open YAML log file: %w", err)
		}
	}

	return nil
}

// performCleanup removes old session directories based on the retention policy
func (l *Logger) performCleanup() {
	baseDir := l.config.BaseDir
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return
	}

	var logDirs []os.DirEntry
	for _, entry := range entries {
		// Session directories are named YYYY-MM-DD-HHMMss
		if entry.IsDir() && len(entry.Name()) == 17 && strings.Count(entry.Name(), "-") == 3 {
			logDirs = append(logDirs, entry)
		}
	}

	// Newest first
	sort.Slice(logDirs, func(i, j int) bool {
		return logDirs[i].Name() > logDirs[j].Name()
	})

	retention := l.config.Retention
	maxAge := time.Duration(retention.MaxAgeDays) * 24 * time.Hour
	now := time.Now()
	for i, dir := range logDirs {
		if dir.Name() == l.config.SessionID {
			continue
		}
		expired := false
		if info, err := dir.Info(); err == nil && retention.MaxAgeDays > 0 {
			expired = now.Sub(info.ModTime()) > maxAge
		}
		if (retention.KeepRuns > 0 && i >= retention.KeepRuns) || expired {
			os.RemoveAll(filepath.Join(baseDir, dir.Name()))
		}
	}
}

func (l *Logger) createLogEntry(level LogLevel, message string, properties map[string]interface{}) LogEntry {
	now := time.Now()
	return LogEntry{
		Time:       now.Unix(),
		Timestamp:  now.Format(time.RFC3339),
		Level:      level.String(),
		Message:    message,
		Component:  l.config.Component,
		PID:        int64(os.Getpid()),
		Hostname:   l.hostname,
		Version:    version.Version().Version,
		SessionID:  l.config.SessionID,
		RunType:    l.config.RunType,
		Properties: properties,
	}
}

// CloseLogger closes all log files if they're open.
func CloseLogger() {
	if instance == nil {
		return
	}
	instance.mu.Lock()
	defer instance.mu.Unlock()

	for _, f := range []**os.File{&instance.logFile, &instance.jsonFile, &instance.yamlFile} {
		if *f != nil {
			if err := (*f).Close(); err != nil {
				fmt.Printf("Failed to close log file: %v\n", err)
			}
			*f = nil
		}
	}
}

// logMessage is the core logging method that writes to all configured outputs
func (l *Logger) logMessage(level LogLevel, message string, keyValues ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.logLevel || l.logFile == nil {
		return
	}

	properties := make(map[string]interface{})
	for i := 0; i+1 < len(keyValues); i += 2 {
		properties[fmt.Sprintf("%v", keyValues[i])] = normalizeValue(keyValues[i+1])
	}

	entry := l.createLogEntry(level, message, properties)
	l.writeMainLog(entry, keyValues)
	l.writeStructured(entry)
}

// normalizeValue keeps errors readable in the structured outputs.
func normalizeValue(v interface{}) interface{} {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return v
}

// writeMainLog writes to install.log in the traditional key=value format
func (l *Logger) writeMainLog(entry LogEntry, keyValues []interface{}) {
	ts := time.Unix(entry.Time, 0).Format("2006-01-02 15:04:05")
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-5s %s", ts, entry.Level, entry.Message)

	multiline := len(keyValues)/2 > 4
	for i := 0; i+1 < len(keyValues); i += 2 {
		if multiline {
			fmt.Fprintf(&b, "\n        %v: %v", keyValues[i], keyValues[i+1])
		} else {
			fmt.Fprintf(&b, " %v=%v", keyValues[i], keyValues[i+1])
		}
	}

	l.logger.Println(b.String())
}

func (l *Logger) writeStructured(entry LogEntry) {
	if l.jsonFile != nil {
		if data, err := json.Marshal(entry); err == nil {
			l.jsonFile.Write(append(data, '\n'))
		}
	}
	if l.yamlFile != nil {
		if data, err := yaml.Marshal(entry); err == nil {
			l.yamlFile.WriteString("---\n" + string(data))
		}
	}
}

// Info logs informational messages.
func Info(message string, keyValues ...interface{}) {
	logAt(LevelInfo, message, keyValues...)
}

// Debug logs debug messages.
func Debug(message string, keyValues ...interface{}) {
	logAt(LevelDebug, message, keyValues...)
}

// Warn logs warning messages.
func Warn(message string, keyValues ...interface{}) {
	logAt(LevelWarn, message, keyValues...)
}

// Error logs error messages.
func Error(message string, keyValues ...interface{}) {
	logAt(LevelError, message, keyValues...)
}

func logAt(level LogLevel, message string, keyValues ...interface{}) {
	if instance == nil {
		if level <= LevelWarn {
			fmt.Fprintf(os.Stderr, "LOGGING NOT INITIALIZED: %s %s %v\n", level, message, keyValues)
		}
		return
	}
	instance.logMessage(level, message, keyValues...)
}

// LogStructured writes a message whose properties are already a map.
func LogStructured(level LogLevel, message string, properties map[string]interface{}) {
	keyValues := make([]interface{}, 0, len(properties)*2)
	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		keyValues = append(keyValues, k, properties[k])
	}
	logAt(level, message, keyValues...)
}

// GetCurrentLogDir returns the active session directory, or "" before Init.
func GetCurrentLogDir() string {
	if instance == nil {
		return ""
	}
	instance.mu.RLock()
	defer instance.mu.RUnlock()
	return instance.logDir
}

// GetSessionID returns the active session identifier, or "" before Init.
func GetSessionID() string {
	if instance == nil {
		return ""
	}
	return instance.config.SessionID
}

// SetRunType changes the run type recorded on subsequent entries.
func SetRunType(runType string) {
	if instance == nil {
		return
	}
	instance.mu.Lock()
	defer instance.mu.Unlock()
	instance.config.RunType = runType
}

func newEventID() string {
	return uuid.NewString()
}

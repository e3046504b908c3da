package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Audit severity levels
type AuditSeverity string

const (
	AuditDebug    AuditSeverity = "DEBUG"
	AuditInfo     AuditSeverity = "INFO"
	AuditWarn     AuditSeverity = "WARN"
	AuditError    AuditSeverity = "ERROR"
	AuditCritical AuditSeverity = "CRITICAL"
	AuditSecurity AuditSeverity = "SECURITY"
)

// Audit errors
var (
	ErrAuditLogClosed = errors.New("audit: log is closed")
)

// AuditConfig configures the audit logger
type AuditConfig struct {
	// Output
	FilePath       string
	EnableRotation bool
	MaxSize        int // MB
	MaxBackups     int
	MaxAge         int // days
	Compress       bool

	// Security
	EnableSigning bool
	SigningKey    []byte

	// Static fields
	NodeID    string
	Component string
}

// DefaultAuditConfig returns secure defaults
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		EnableRotation: true,
		MaxSize:        100,
		MaxBackups:     30,
		MaxAge:         90,
		Compress:       true,
		EnableSigning:  false,
		NodeID:         getEnvOrDefault("NODE_ID", ""),
		Component:      getEnvOrDefault("SERVICE_NAME", "planr-consensus"),
	}
}

// AuditRecord represents a single audit log entry
type AuditRecord struct {
	Timestamp string                 `json:"ts"`
	Sequence  uint64                 `json:"seq"`
	Event     string                 `json:"event"`
	Severity  AuditSeverity          `json:"severity"`
	NodeID    string                 `json:"node_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Signature string                 `json:"sig,omitempty"`
	PrevHash  string                 `json:"prev_hash,omitempty"`
}

// AuditLogger provides tamper-evident audit logging. Records form a hash chain;
// when signing is enabled each record carries an HMAC over its chained hash.
type AuditLogger struct {
	config *AuditConfig
	writer io.Writer
	closer io.Closer

	// Integrity
	sequence   uint64
	lastHash   string
	signingKey []byte

	mu     sync.Mutex
	closed bool
}

// NewAuditLogger creates an audit logger writing JSON lines to the configured
// file, or stdout when no file path is set.
func NewAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	if config == nil {
		config = DefaultAuditConfig()
	}

	var writer io.Writer
	var closer io.Closer
	if config.FilePath != "" && config.EnableRotation {
		lj := &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writer = lj
		closer = lj
	} else if config.FilePath != "" {
		file, err := os.OpenFile(config.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, err
		}
		writer = file
		closer = file
	} else {
		writer = os.Stdout
	}

	return &AuditLogger{
		config:     config,
		writer:     writer,
		closer:     closer,
		signingKey: config.SigningKey,
	}, nil
}

// Debug records a DEBUG-severity audit event
func (a *AuditLogger) Debug(event string, fields map[string]interface{}) error {
	return a.record(AuditDebug, event, fields)
}

// Info records an INFO-severity audit event
func (a *AuditLogger) Info(event string, fields map[string]interface{}) error {
	return a.record(AuditInfo, event, fields)
}

// Warn records a WARN-severity audit event
func (a *AuditLogger) Warn(event string, fields map[string]interface{}) error {
	return a.record(AuditWarn, event, fields)
}

// Error records an ERROR-severity audit event
func (a *AuditLogger) Error(event string, fields map[string]interface{}) error {
	return a.record(AuditError, event, fields)
}

// Critical records a CRITICAL-severity audit event
func (a *AuditLogger) Critical(event string, fields map[string]interface{}) error {
	return a.record(AuditCritical, event, fields)
}

// Security records a SECURITY-severity audit event
func (a *AuditLogger) Security(event string, fields map[string]interface{}) error {
	return a.record(AuditSecurity, event, fields)
}

func (a *AuditLogger) record(severity AuditSeverity, event string, fields map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrAuditLogClosed
	}

	a.sequence++
	rec := AuditRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Sequence:  a.sequence,
		Event:     event,
		Severity:  severity,
		NodeID:    a.config.NodeID,
		Component: a.config.Component,
		Fields:    fields,
		PrevHash:  a.lastHash,
	}

	a.lastHash = chainHash(a.lastHash, &rec)
	if a.config.EnableSigning && len(a.signingKey) > 0 {
		mac := hmac.New(sha256.New, a.signingKey)
		mac.Write([]byte(a.lastHash))
		rec.Signature = hex.EncodeToString(mac.Sum(nil))
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = a.writer.Write(data)
	return err
}

// chainHash links a record to its predecessor for tamper evidence
func chainHash(prev string, rec *AuditRecord) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte(rec.Timestamp))
	h.Write([]byte(rec.Event))
	h.Write([]byte(rec.Severity))
	var seq [8]byte
	for i := 0; i < 8; i++ {
		seq[i] = byte(rec.Sequence >> (8 * (7 - i)))
	}
	h.Write(seq[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Sequence returns the number of records written so far
func (a *AuditLogger) Sequence() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sequence
}

// Close flushes and closes the audit log. Safe to call more than once.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

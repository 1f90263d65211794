package model

import "time"

// LogKind classifies an operator-facing log entry.
type LogKind string

const (
	LogInfo    LogKind = "info"
	LogSuccess LogKind = "success"
	LogWarning LogKind = "warning"
	LogError   LogKind = "error"
	LogBridge  LogKind = "bridge"
)

func (k LogKind) Valid() bool {
	switch k {
	case LogInfo, LogSuccess, LogWarning, LogError, LogBridge:
		return true
	default:
		return false
	}
}

// LogEntry is immutable once created. Timestamp is captured when the
// generating event was decided, not when it was read.
type LogEntry struct {
	ID        string
	Timestamp time.Time
	Kind      LogKind
	Message   string
}

// BridgeState is the connection state of the input bridge session.
type BridgeState string

const (
	BridgeDisconnected BridgeState = "disconnected"
	BridgeConnecting   BridgeState = "connecting"
	BridgeConnected    BridgeState = "connected"
)

// SafetyState is the latching interlock state. Locked implies no
// dispatch until an operator reset.
type SafetyState struct {
	ThresholdMaxChanges     int
	CurrentBatchChangeCount int
	Locked                  bool
}

// Metrics is a read-only projection recomputed from the owning
// components on every read.
type Metrics struct {
	TotalClicks              int64
	Uptime                   time.Duration
	FilesChangedCurrentBatch int
	BridgeStatus             BridgeState
	SafetyLockActive         bool
	Scanning                 bool
	BridgeEndpoint           string
	LastLatency              time.Duration
	TickCount                int64
}

// Position is a screen coordinate in pixels.
type Position struct {
	X int
	Y int
}

// Match is one recognised target in a detection sample.
type Match struct {
	TargetID   string
	TargetName string
	Confidence float64
	Position   Position
}

// Sample is the result of one detector query.
type Sample struct {
	ChangeCount int
	Matches     []Match
}

type TargetStatus string

const (
	TargetActive   TargetStatus = "active"
	TargetInactive TargetStatus = "inactive"
)

// Target is a named UI pattern the detector can recognise.
type Target struct {
	ID                  string
	Name                string
	TriggerText         string
	Color               string
	ConfidenceThreshold float64
	Shortcut            string
	Status              TargetStatus
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Pattern groups targets into an automation scenario.
type Pattern struct {
	ID          string
	Name        string
	Description string
	TargetIDs   []string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Theme string

const (
	ThemeDark   Theme = "dark"
	ThemeSystem Theme = "system"
)

// Settings are the persisted operator settings. MaxFilesPerBatch is the
// safety interlock threshold.
type Settings struct {
	BridgeURL        string
	MaxFilesPerBatch int
	AutoReconnect    bool
	SoundEnabled     bool
	Theme            Theme
	UpdatedAt        time.Time
}

const (
	DefaultBridgeURL        = "ws://localhost:8765"
	DefaultMaxFilesPerBatch = 5
	MaxFilesPerBatchLimit   = 100
)

func DefaultSettings() Settings {
	return Settings{
		BridgeURL:        DefaultBridgeURL,
		MaxFilesPerBatch: DefaultMaxFilesPerBatch,
		AutoReconnect:    true,
		SoundEnabled:     true,
		Theme:            ThemeDark,
	}
}

// Error codes defined by API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefInvalidEncoding = "E_REF_INVALID_ENCODING"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrRefDuplicate       = "E_REF_DUPLICATE"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrAlreadyRunning     = "E_ALREADY_RUNNING"
	ErrNotRunning         = "E_NOT_RUNNING"
	ErrSafetyLocked       = "E_SAFETY_LOCKED"
	ErrBridgeUnavailable  = "E_BRIDGE_UNAVAILABLE"
	ErrConsoleUnavailable = "E_CONSOLE_UNAVAILABLE"
)

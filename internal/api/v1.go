package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type MetricsResponse struct {
	TotalClicks              int64   `json:"total_clicks"`
	UptimeSeconds            float64 `json:"uptime_seconds"`
	FilesChangedCurrentBatch int     `json:"files_changed_current_batch"`
	BridgeStatus             string  `json:"bridge_status"`
	SafetyLockActive         bool    `json:"safety_lock_active"`
	Scanning                 bool    `json:"scanning"`
	TickCount                int64   `json:"tick_count"`
}

type SafetyResponse struct {
	ThresholdMaxChanges     int  `json:"threshold_max_changes"`
	CurrentBatchChangeCount int  `json:"current_batch_change_count"`
	Locked                  bool `json:"locked"`
}

type BridgeResponse struct {
	State        string `json:"state"`
	Endpoint     string `json:"endpoint,omitempty"`
	LatencyMS    int64  `json:"latency_ms"`
	RetryPending bool   `json:"retry_pending"`
}

type StatusEnvelope struct {
	SchemaVersion  string           `json:"schema_version"`
	GeneratedAt    time.Time        `json:"generated_at"`
	Metrics        MetricsResponse  `json:"metrics"`
	Safety         SafetyResponse   `json:"safety"`
	Bridge         BridgeResponse   `json:"bridge"`
	Settings       SettingsResponse `json:"settings"`
	JournalDropped int64            `json:"journal_dropped"`
}

type LogEntryResponse struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
}

type LogsEnvelope struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Source        string             `json:"source"`
	Entries       []LogEntryResponse `json:"entries"`
}

// CommandEnvelope answers an operator command with the metrics that
// result from it.
type CommandEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Command       string          `json:"command"`
	Metrics       MetricsResponse `json:"metrics"`
}

type BridgeConnectRequest struct {
	Endpoint string `json:"endpoint,omitempty"`
	WaitMS   int    `json:"wait_ms,omitempty"`
}

type SettingsResponse struct {
	BridgeURL        string     `json:"bridge_url"`
	MaxFilesPerBatch int        `json:"max_files_per_batch"`
	AutoReconnect    bool       `json:"auto_reconnect"`
	SoundEnabled     bool       `json:"sound_enabled"`
	Theme            string     `json:"theme"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

type SettingsEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Settings      SettingsResponse `json:"settings"`
}

type SettingsUpdateRequest struct {
	BridgeURL        *string `json:"bridge_url,omitempty"`
	MaxFilesPerBatch *int    `json:"max_files_per_batch,omitempty"`
	AutoReconnect    *bool   `json:"auto_reconnect,omitempty"`
	SoundEnabled     *bool   `json:"sound_enabled,omitempty"`
	Theme            *string `json:"theme,omitempty"`
}

type TargetResponse struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	TriggerText         string    `json:"trigger_text"`
	Color               string    `json:"color"`
	ConfidenceThreshold float64   `json:"confidence_threshold"`
	Shortcut            string    `json:"shortcut,omitempty"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type TargetsEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Targets       []TargetResponse `json:"targets"`
}

// TargetRequest creates a target or, on update, replaces the fields
// that are set.
type TargetRequest struct {
	Name                *string  `json:"name,omitempty"`
	TriggerText         *string  `json:"trigger_text,omitempty"`
	Color               *string  `json:"color,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	Shortcut            *string  `json:"shortcut,omitempty"`
	Status              *string  `json:"status,omitempty"`
}

type PatternResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	TargetIDs   []string  `json:"target_ids"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type PatternsEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Patterns      []PatternResponse `json:"patterns"`
}

type PatternRequest struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	TargetIDs   *[]string `json:"target_ids,omitempty"`
	IsActive    *bool     `json:"is_active,omitempty"`
}

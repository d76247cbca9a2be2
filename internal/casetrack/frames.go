package casetrack

import (
	"encoding/json"

	"github.com/casetrack/field-sync/internal/store"
)

// Case API types.

// CaseListResponse is returned from GET /api/v1/cases/updated-since.
type CaseListResponse struct {
	Cases      []store.CaseRecord `json:"cases"`
	NextCursor string             `json:"nextCursor,omitempty"`
	Watermark  int64              `json:"watermark,omitempty"`
}

// APIError represents an error response from the case API.
type APIError struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}

// WebSocket frame types.

// Inbound frame types carried in the envelope "type" field.
const (
	TypeCaseAssigned        = "case:assigned"
	TypeCaseStatusChanged   = "case:status_changed"
	TypeCasePriorityChanged = "case:priority_changed"
	TypeSyncTrigger         = "sync:trigger"
	TypeSyncCompleted       = "sync:completed"
	TypePing                = "ping"
	TypePong                = "pong"
	TypeAuthOK              = "auth:ok"
	TypeAuthError           = "auth:error"
)

// Outbound frame types.
const (
	TypeAuth            = "auth"
	TypeSubscribeCase   = "subscribe:case"
	TypeUnsubscribeCase = "unsubscribe:case"
	TypeAppState        = "app:state"
	TypeConnectivity    = "connectivity"
	TypeNotificationAck = "notification:ack"
)

// App states reported in app:state frames.
const (
	AppStateForeground = "foreground"
	AppStateBackground = "background"
)

// Envelope is the uniform inbound frame shape. notificationId is optional:
// frames that carry one are acknowledged after dispatch, frames without
// one are not.
type Envelope struct {
	Type           string          `json:"type"`
	NotificationID string          `json:"notificationId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// CaseEvent is the payload of case:assigned, case:status_changed and
// case:priority_changed frames, carrying the server's view of the case
// after the change.
type CaseEvent struct {
	CaseID          string `json:"caseId"`
	CaseNumber      string `json:"caseNumber,omitempty"`
	Title           string `json:"title,omitempty"`
	Status          string `json:"status,omitempty"`
	Priority        string `json:"priority,omitempty"`
	AssignedTo      string `json:"assignedTo,omitempty"`
	ClientName      string `json:"clientName,omitempty"`
	Summary         string `json:"summary,omitempty"`
	ServerUpdatedAt int64  `json:"serverUpdatedAt"`
}

// Record converts the event payload to an offline cache record.
func (e CaseEvent) Record() store.CaseRecord {
	return store.CaseRecord{
		ID:              e.CaseID,
		CaseNumber:      e.CaseNumber,
		Title:           e.Title,
		Status:          e.Status,
		Priority:        e.Priority,
		AssignedTo:      e.AssignedTo,
		ClientName:      e.ClientName,
		Summary:         e.Summary,
		ServerUpdatedAt: e.ServerUpdatedAt,
	}
}

// SyncSignal is the payload of sync:trigger and sync:completed frames.
type SyncSignal struct {
	Reason    string `json:"reason,omitempty"`
	Watermark int64  `json:"watermark,omitempty"`
}

// AuthResult is the payload of auth:ok and auth:error frames.
type AuthResult struct {
	UserID  string `json:"userId,omitempty"`
	Message string `json:"message,omitempty"`
}

// AuthFrame is sent as the first frame after dial.
type AuthFrame struct {
	Type       string `json:"type"`
	Token      string `json:"token"`
	Platform   string `json:"platform"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
}

// SubscribeFrame opts the device in or out of per-case notifications.
// Type is subscribe:case or unsubscribe:case.
type SubscribeFrame struct {
	Type   string `json:"type"`
	CaseID string `json:"caseId"`
}

// AppStateFrame reports foreground/background transitions to the server.
type AppStateFrame struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

// ConnectivityFrame reports the device's network conditions and local
// outbound backlog.
type ConnectivityFrame struct {
	Type             string `json:"type"`
	IsOnline         bool   `json:"isOnline"`
	ConnectionType   string `json:"connectionType"`
	PendingSyncCount int    `json:"pendingSyncCount"`
}

// AckFrame acknowledges a delivered notification by id.
type AckFrame struct {
	Type           string `json:"type"`
	NotificationID string `json:"notificationId"`
}

package control

import (
	"encoding/json"

	"github.com/snapback-dev/snapback/internal/protocol"
	"github.com/snapback-dev/snapback/internal/session"
	"github.com/snapback-dev/snapback/internal/watcher"
)

// Notification types pushed by the daemon.
const (
	NotifyFileChanged    = "file_changed"
	NotifyError          = "error"
	NotifySessionEnded   = "session_ended"
	NotifyDaemonStopping = "daemon_stopping"
)

// FileChangedData is the payload of a file_changed notification.
type FileChangedData struct {
	Event      watcher.EventType `json:"event"`
	File       string            `json:"file"`
	RiskLevel  watcher.RiskLevel `json:"riskLevel"`
	RiskReason string            `json:"riskReason,omitempty"`
}

// ErrorData is the payload of an error notification.
type ErrorData struct {
	Message string `json:"message"`
}

// StoppingData is the payload of a daemon_stopping notification.
type StoppingData struct {
	Reason string `json:"reason"`
}

// SessionEndedData is the payload of a session_ended notification.
type SessionEndedData struct {
	SessionID     string   `json:"sessionId"`
	FilesTouched  int      `json:"filesTouched"`
	HighRiskFiles []string `json:"highRiskFiles"`
}

// WatchNotification converts a watcher event to its notification.
func WatchNotification(ev watcher.Event) *protocol.Notification {
	params := protocol.NotificationParams{
		Timestamp: ev.Timestamp.UnixMilli(),
		Workspace: ev.Workspace,
	}
	if ev.Type == watcher.EventError {
		params.Type = NotifyError
		params.Data = ErrorData{Message: ev.Error}
		return protocol.NewNotification(params)
	}
	params.Type = NotifyFileChanged
	params.Data = FileChangedData{
		Event:      ev.Type,
		File:       ev.File,
		RiskLevel:  ev.RiskLevel,
		RiskReason: ev.RiskReason,
	}
	return protocol.NewNotification(params)
}

// StoppingNotification tells clients the daemon is going away.
func StoppingNotification(reason string) *protocol.Notification {
	return protocol.NewNotification(protocol.NotificationParams{
		Type: NotifyDaemonStopping,
		Data: StoppingData{Reason: reason},
	})
}

// SessionEndedNotification announces a finished session to its workspace.
func SessionEndedNotification(sum *session.Summary) *protocol.Notification {
	return protocol.NewNotification(protocol.NotificationParams{
		Type:      NotifySessionEnded,
		Timestamp: sum.EndedAt.UnixMilli(),
		Workspace: sum.Workspace,
		Data: SessionEndedData{
			SessionID:     sum.ID,
			FilesTouched:  len(sum.Files),
			HighRiskFiles: sum.HighRiskFiles,
		},
	})
}

// DecodeData re-decodes a received notification's payload into T.
func DecodeData[T any](n *protocol.Notification) (*T, error) {
	raw, err := json.Marshal(n.Params.Data)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

package types

import "time"

// Instance statuses as persisted on the instance row. The transient
// "connected" bit lives in the gateway registry, not here.
const (
	StatusOnline   = "ONLINE"
	StatusOffline  = "OFFLINE"
	StatusError    = "ERROR"
	StatusDegraded = "DEGRADED"
)

type Instance struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:128;not null"`
	Endpoint  string `gorm:"size:255;not null"` // ws:// or wss:// URL
	Secret    string `gorm:"size:255;not null"`
	Status    string `gorm:"size:16;not null;default:OFFLINE"`
	Version   string `gorm:"size:32"` // last observed runtime version
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Session struct {
	ID             uint64 `gorm:"primaryKey"`
	InstanceID     string `gorm:"size:64;index;not null"`
	SessionKey     string `gorm:"size:128;uniqueIndex;not null"` // agent:<agentId>:tc:<userId>, opaque
	Active         bool   `gorm:"not null;default:true"`
	LastArchivedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SnapshotMessage is one archived transcript row. Rows sharing a BatchID
// form one immutable batch with gap-free ascending OrderIndex.
type SnapshotMessage struct {
	ID            uint64 `gorm:"primaryKey"`
	BatchID       string `gorm:"size:36;uniqueIndex:idx_batch_order;not null"`
	SessionKey    string `gorm:"size:128;index;not null"`
	OrderIndex    int    `gorm:"uniqueIndex:idx_batch_order;not null"`
	Role          string `gorm:"size:16;not null"`
	Content       string `gorm:"type:text"`
	Thinking      string `gorm:"type:text"`
	ImagesJSON    string `gorm:"type:text"` // JSON array of image URLs
	ToolCallsJSON string `gorm:"type:text"` // JSON array of ToolCall
	CreatedAt     time.Time
}

// ToolCall is one tool invocation merged onto an assistant snapshot row,
// serialized into SnapshotMessage.ToolCallsJSON.
type ToolCall struct {
	Name   string `json:"name,omitempty"`
	Args   string `json:"args,omitempty"`
	Output string `json:"output"`
}

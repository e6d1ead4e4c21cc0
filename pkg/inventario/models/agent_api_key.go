package models

import (
	"time"

	"gorm.io/gorm"
)

// AgentAPIKey is a long-lived bearer credential issued to an unattended agent.
// Only the SHA-256 hash of the secret is stored; the secret itself is shown once at issuance.
type AgentAPIKey struct {
	ID               uint           `gorm:"primarykey" json:"id"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
	Name             string         `gorm:"not null" json:"name"`
	KeyHash          string         `gorm:"size:64;uniqueIndex;not null" json:"-"`
	KeyPrefix        string         `gorm:"size:16;not null" json:"key_prefix"` // agk_ plus 8 hex chars
	LaboratoryID     *uint          `gorm:"column:laboratorio_id;index" json:"laboratorio_id"`
	Active           bool           `gorm:"default:true;index" json:"active"`
	Version          *string        `json:"version"`
	LastUsedAt       *time.Time     `json:"last_used_at"`
	LastUsedIP       *string        `json:"last_used_ip"`
	LastUsedHostname *string        `json:"last_used_hostname"`
	CreatedByID      uint           `gorm:"column:created_by;not null" json:"created_by"`

	// Relationships
	Laboratory *Laboratory `gorm:"foreignKey:LaboratoryID" json:"laboratorio,omitempty"`
	CreatedBy  *User       `gorm:"foreignKey:CreatedByID" json:"creator,omitempty"`
}

func (AgentAPIKey) TableName() string {
	return "agent_api_keys"
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// LicenseType describes how a piece of software is licensed
type LicenseType string

const (
	LicenseProprietary LicenseType = "proprietario"
	LicenseFree        LicenseType = "livre"
	LicenseEducational LicenseType = "educacional"
)

// Software is an installed program, either registered by hand or detected by an agent
type Software struct {
	ID              uint           `gorm:"primarykey" json:"id"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
	Name            string         `gorm:"column:nome;not null;index:idx_software_identity" json:"nome"`
	Version         *string        `gorm:"column:versao;index:idx_software_identity" json:"versao"`
	Manufacturer    *string        `gorm:"column:fabricante;index:idx_software_identity" json:"fabricante"`
	LicenseType     LicenseType    `gorm:"column:tipo_licenca;type:varchar(20)" json:"tipo_licenca"`
	InstalledOn     *string        `gorm:"column:data_instalacao" json:"data_instalacao"` // YYYY-MM-DD as reported
	LicenseKey      *string        `gorm:"column:chave_licenca" json:"chave_licenca"`
	DetectedByAgent bool           `gorm:"column:detectado_por_agente;default:false" json:"detectado_por_agente"`
}

func (Software) TableName() string {
	return "softwares"
}

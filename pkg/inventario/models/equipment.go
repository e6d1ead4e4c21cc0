package models

import (
	"time"

	"gorm.io/gorm"
)

// EquipmentState is the lifecycle state of a piece of equipment
type EquipmentState string

const (
	EquipmentStateInUse       EquipmentState = "em_uso"
	EquipmentStateMaintenance EquipmentState = "manutencao"
	EquipmentStateAvailable   EquipmentState = "disponivel"
	EquipmentStateRetired     EquipmentState = "descartado"
)

// Equipment is a physical asset. Rows with ManagedByAgent set are kept up to date by the agent sync API.
type Equipment struct {
	ID           uint           `gorm:"primarykey" json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
	Name         string         `gorm:"column:nome;not null" json:"nome"`
	Type         string         `gorm:"column:tipo" json:"tipo"`
	Manufacturer *string        `gorm:"column:fabricante" json:"fabricante"`
	Model        *string        `gorm:"column:modelo" json:"modelo"`
	SerialNumber *string        `gorm:"column:numero_serie;index" json:"numero_serie"`
	State        EquipmentState `gorm:"column:estado;type:varchar(20)" json:"estado"`
	LaboratoryID uint           `gorm:"column:laboratorio_id;index" json:"laboratorio_id"`

	// Collected by the agent
	Hostname   *string  `gorm:"index" json:"hostname"`
	Processor  *string  `gorm:"column:processador" json:"processador"`
	RAM        *string  `gorm:"column:memoria_ram" json:"memoria_ram"`
	Disk       *string  `gorm:"column:disco" json:"disco"`
	LocalIP    *string  `gorm:"column:ip_local" json:"ip_local"`
	MACAddress *string  `gorm:"column:mac_address;index" json:"mac_address"`
	Gateway    *string  `json:"gateway"`
	DNSServers []string `gorm:"column:dns_servers;type:text;serializer:json" json:"dns_servers"`

	ManagedByAgent bool       `gorm:"column:gerenciado_por_agente;default:false;index" json:"gerenciado_por_agente"`
	AgentVersion   *string    `json:"agent_version"`
	LastSyncAt     *time.Time `gorm:"column:ultima_sincronizacao" json:"ultima_sincronizacao"`
	DataHash       *string    `gorm:"column:dados_hash" json:"dados_hash"`

	// Relationships
	Laboratory *Laboratory `gorm:"foreignKey:LaboratoryID" json:"laboratorio,omitempty"`
	Software   []Software  `gorm:"many2many:equipamento_software;joinForeignKey:EquipamentoID;joinReferences:SoftwareID" json:"softwares,omitempty"`
}

func (Equipment) TableName() string {
	return "equipamentos"
}

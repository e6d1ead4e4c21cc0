package models

import (
	"time"

	"gorm.io/gorm"
)

// Laboratory is a teaching lab that owns equipment and may scope agent keys.
type Laboratory struct {
	ID          uint           `gorm:"primarykey" json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
	Name        string         `gorm:"column:nome;not null" json:"nome"`
	Location    string         `gorm:"column:localizacao" json:"localizacao"`
	Status      string         `gorm:"default:'ativo'" json:"status"`
	Description string         `gorm:"column:descricao" json:"descricao"`
}

func (Laboratory) TableName() string {
	return "laboratorios"
}

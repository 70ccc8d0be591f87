package models

import (
	"time"
)

// ModelOwner records which owner submitted a model key, so that everything
// belonging to one owner can be deleted together.
type ModelOwner struct {
	ModelKey  string    `json:"modelKey" gorm:"primaryKey"`
	Owner     string    `json:"owner" gorm:"not null;index"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (ModelOwner) TableName() string {
	return "model_owners"
}

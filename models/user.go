package models

import (
	"gorm.io/gorm"
)

// User represents a portal account
type User struct {
	gorm.Model

	// Authentication fields
	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`

	// Profile information
	Name     *string `json:"name,omitempty"`
	Company  *string `json:"company,omitempty"`
	Timezone string  `gorm:"default:'UTC'" json:"timezone"`

	// Account status
	IsActive bool `gorm:"default:true" json:"is_active"`
	IsAdmin  bool `gorm:"default:false" json:"is_admin"`

	// Stripe integration
	StripeCustomerID *string `gorm:"index" json:"stripe_customer_id,omitempty"`

	// Relations
	Connections []EmailConnection `gorm:"foreignKey:UserID" json:"connections,omitempty"`
	Leads       []Lead            `gorm:"foreignKey:UserID" json:"leads,omitempty"`
	Clients     []Client          `gorm:"foreignKey:UserID" json:"clients,omitempty"`
	Projects    []Project         `gorm:"foreignKey:UserID" json:"projects,omitempty"`
}

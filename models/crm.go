package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead represents a sales contact
type Lead struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Phone     string `json:"phone"`

	Status      string     `gorm:"default:'new'" json:"status"` // new, contacted, qualified, won, lost
	Source      string     `json:"source"`
	LastContact *time.Time `json:"last_contact"`

	// Relations
	Threads []EmailThread `gorm:"foreignKey:LeadID" json:"threads,omitempty"`
}

// Client represents a billable customer
type Client struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name         string `gorm:"not null" json:"name"`
	ContactEmail string `json:"contact_email"`
	Phone        string `json:"phone"`
	Notes        string `gorm:"type:text" json:"notes"`

	// Relations
	Projects []Project     `gorm:"foreignKey:ClientID" json:"projects,omitempty"`
	Threads  []EmailThread `gorm:"foreignKey:ClientID" json:"threads,omitempty"`
}

// Project represents a unit of client work
type Project struct {
	gorm.Model
	UserID   uint  `gorm:"not null;index" json:"user_id"`
	ClientID *uint `gorm:"index" json:"client_id,omitempty"`

	Name        string     `gorm:"not null" json:"name"`
	Description string     `gorm:"type:text" json:"description"`
	Status      string     `gorm:"default:'active'" json:"status"` // active, paused, done
	DueDate     *time.Time `json:"due_date"`

	// Relations
	Threads []EmailThread `gorm:"foreignKey:ProjectID" json:"threads,omitempty"`
}

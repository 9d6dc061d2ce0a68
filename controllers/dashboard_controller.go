package controller

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
	"github.com/place-to-stand/place-to-stand-portal-sub005/utils"
)

type DashboardController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewDashboardController(db *gorm.DB, logger *log.Logger) *DashboardController {
	return &DashboardController{
		DB:     db,
		Logger: logger,
	}
}

// GetDashboard returns the numbers the portal home screen shows: mailbox
// activity, unread work and CRM pipeline counts.
func (dc *DashboardController) GetDashboard(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var stats struct {
		OpenThreads    int64 `json:"open_threads"`
		UnreadMessages int64 `json:"unread_messages"`
		ActiveLeads    int64 `json:"active_leads"`
		ActiveProjects int64 `json:"active_projects"`
		Connections    int64 `json:"connections"`
	}

	if err := dc.DB.Model(&models.EmailThread{}).
		Where("user_id = ? AND status = ?", user.ID, models.ThreadStatusOpen).
		Count(&stats.OpenThreads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load dashboard", err)
	}
	if err := dc.DB.Model(&models.EmailMessage{}).
		Where("user_id = ? AND is_read = ?", user.ID, false).
		Count(&stats.UnreadMessages).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load dashboard", err)
	}
	if err := dc.DB.Model(&models.Lead{}).
		Where("user_id = ? AND status NOT IN ?", user.ID, []string{"won", "lost"}).
		Count(&stats.ActiveLeads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load dashboard", err)
	}
	if err := dc.DB.Model(&models.Project{}).
		Where("user_id = ? AND status = ?", user.ID, "active").
		Count(&stats.ActiveProjects).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load dashboard", err)
	}
	if err := dc.DB.Model(&models.EmailConnection{}).
		Where("user_id = ? AND status = ?", user.ID, models.ConnectionStatusActive).
		Count(&stats.Connections).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load dashboard", err)
	}

	var recent []models.EmailThread
	if err := dc.DB.Where("user_id = ?", user.ID).
		Order("last_message_at DESC NULLS LAST").
		Limit(5).
		Find(&recent).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load dashboard", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"stats":          stats,
		"recent_threads": recent,
	}))
}

package controller

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/place-to-stand/place-to-stand-portal-sub005/mailsync"
	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
	"github.com/place-to-stand/place-to-stand-portal-sub005/utils"
)

type ThreadController struct {
	db         *gorm.DB
	reconciler *mailsync.Reconciler
	logger     *log.Logger
}

func NewThreadController(db *gorm.DB, reconciler *mailsync.Reconciler, logger *log.Logger) *ThreadController {
	return &ThreadController{
		db:         db,
		reconciler: reconciler,
		logger:     logger,
	}
}

type MarkReadRequest struct {
	Read *bool `json:"read"`
}

type LinkThreadRequest struct {
	LeadID    *uint `json:"lead_id"`
	ProjectID *uint `json:"project_id"`
	ClientID  *uint `json:"client_id"`
}

// ListThreads returns the user's threads, newest activity first, with
// optional status and CRM link filters.
func (tc *ThreadController) ListThreads(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 25)
	if limit < 1 || limit > 100 {
		limit = 25
	}

	query := tc.db.Model(&models.EmailThread{}).Where("user_id = ?", user.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if leadID := c.QueryInt("lead_id", 0); leadID > 0 {
		query = query.Where("lead_id = ?", leadID)
	}
	if projectID := c.QueryInt("project_id", 0); projectID > 0 {
		query = query.Where("project_id = ?", projectID)
	}
	if clientID := c.QueryInt("client_id", 0); clientID > 0 {
		query = query.Where("client_id = ?", clientID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count threads",
		})
	}

	var threads []models.EmailThread
	if err := query.
		Order("last_message_at DESC NULLS LAST").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&threads).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list threads",
		})
	}

	return c.JSON(fiber.Map{
		"threads": threads,
		"total":   total,
		"page":    page,
		"limit":   limit,
	})
}

// GetThread returns one thread with its messages in sent order.
func (tc *ThreadController) GetThread(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid thread id",
		})
	}

	var thread models.EmailThread
	if err := tc.db.
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("sent_at ASC")
		}).
		Where("user_id = ?", user.ID).
		First(&thread, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Thread not found",
		})
	}

	return c.JSON(thread)
}

// MarkThreadRead flips read state for the whole thread. The local change
// always sticks; if the remote mirror needs a reconnect the response says so
// instead of failing.
func (tc *ThreadController) MarkThreadRead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid thread id",
		})
	}

	read := true
	var req MarkReadRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
		if req.Read != nil {
			read = *req.Read
		}
	}

	err = tc.reconciler.MarkThreadRead(c.Context(), user.ID, uint(id), read)
	if errors.Is(err, mailsync.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Thread not found",
		})
	}
	if errors.Is(err, mailsync.ErrReauthRequired) {
		return c.JSON(fiber.Map{
			"message":         "Read state updated locally",
			"remote_synced":   false,
			"reauth_required": true,
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update read state",
		})
	}

	return c.JSON(fiber.Map{
		"message":       "Read state updated",
		"remote_synced": true,
	})
}

// LinkThread attaches a thread to a lead, project and/or client the user
// owns. Passing null for a field clears that link.
func (tc *ThreadController) LinkThread(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid thread id",
		})
	}

	var req LinkThreadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	var thread models.EmailThread
	if err := tc.db.Where("user_id = ?", user.ID).First(&thread, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Thread not found",
		})
	}

	// Every referenced entity must belong to the same user.
	if req.LeadID != nil && *req.LeadID != 0 {
		if err := tc.ownedBy(&models.Lead{}, user.ID, *req.LeadID); err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Lead not found"})
		}
	}
	if req.ProjectID != nil && *req.ProjectID != 0 {
		if err := tc.ownedBy(&models.Project{}, user.ID, *req.ProjectID); err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Project not found"})
		}
	}
	if req.ClientID != nil && *req.ClientID != 0 {
		if err := tc.ownedBy(&models.Client{}, user.ID, *req.ClientID); err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Client not found"})
		}
	}

	updates := map[string]interface{}{}
	if req.LeadID != nil {
		updates["lead_id"] = nilIfZero(req.LeadID)
	}
	if req.ProjectID != nil {
		updates["project_id"] = nilIfZero(req.ProjectID)
	}
	if req.ClientID != nil {
		updates["client_id"] = nilIfZero(req.ClientID)
	}
	if len(updates) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Nothing to link",
		})
	}

	if err := tc.db.Model(&thread).Updates(updates).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to link thread",
		})
	}

	utils.LogEvent("thread_linked", map[string]interface{}{
		"user_id":   user.ID,
		"thread_id": thread.ID,
	})
	return c.JSON(thread)
}

// UpdateThreadStatus moves a thread between open, resolved and archived.
func (tc *ThreadController) UpdateThreadStatus(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid thread id",
		})
	}

	var req struct {
		Status string `json:"status" validate:"required,oneof=open resolved archived"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var thread models.EmailThread
	if err := tc.db.Where("user_id = ?", user.ID).First(&thread, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Thread not found",
		})
	}

	if err := tc.db.Model(&thread).Update("status", req.Status).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update thread",
		})
	}
	return c.JSON(thread)
}

func (tc *ThreadController) ownedBy(model interface{}, userID, id uint) error {
	return tc.db.Where("user_id = ?", userID).First(model, id).Error
}

func nilIfZero(v *uint) interface{} {
	if v == nil || *v == 0 {
		return nil
	}
	return *v
}

package controller

import (
	"log"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
	"github.com/place-to-stand/place-to-stand-portal-sub005/utils"
)

type CRMController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewCRMController(db *gorm.DB, logger *log.Logger) *CRMController {
	return &CRMController{
		DB:     db,
		Logger: logger,
	}
}

// CreateLead creates a new lead with validation
func (cc *CRMController) CreateLead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		Email     string `json:"email" validate:"required,email"`
		FirstName string `json:"first_name" validate:"omitempty,max=100"`
		LastName  string `json:"last_name" validate:"omitempty,max=100"`
		Phone     string `json:"phone" validate:"omitempty,max=32"`
		Company   string `json:"company" validate:"omitempty,max=200"`
		Source    string `json:"source" validate:"omitempty,max=100"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	// Validate input
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if err := checkmail.ValidateFormat(input.Email); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid email address", err)
	}

	// Check if lead already exists
	var existingLead models.Lead
	if err := cc.DB.Where("email = ? AND user_id = ?", strings.ToLower(input.Email), user.ID).First(&existingLead).Error; err == nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead with this email already exists", nil)
	}

	lead := models.Lead{
		UserID:    user.ID,
		Email:     strings.ToLower(input.Email),
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Phone:     input.Phone,
		Company:   input.Company,
		Source:    input.Source,
	}

	if err := cc.DB.Create(&lead).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create lead", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(lead))
}

// GetLeads returns paginated leads with optional status filter
func (cc *CRMController) GetLeads(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	query := cc.DB.Model(&models.Lead{}).Where("user_id = ?", user.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count leads", err)
	}

	var leads []models.Lead
	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&leads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list leads", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"leads": leads,
		"total": total,
		"page":  page,
		"limit": limit,
	}))
}

// UpdateLead updates mutable lead fields
func (cc *CRMController) UpdateLead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	id, err := c.ParamsInt("id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead id", err)
	}

	var lead models.Lead
	if err := cc.DB.Where("user_id = ?", user.ID).First(&lead, id).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", err)
	}

	var input struct {
		FirstName *string `json:"first_name"`
		LastName  *string `json:"last_name"`
		Phone     *string `json:"phone"`
		Company   *string `json:"company"`
		Status    *string `json:"status" validate:"omitempty,oneof=new contacted qualified won lost"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	updates := map[string]interface{}{}
	if input.FirstName != nil {
		updates["first_name"] = *input.FirstName
	}
	if input.LastName != nil {
		updates["last_name"] = *input.LastName
	}
	if input.Phone != nil {
		updates["phone"] = *input.Phone
	}
	if input.Company != nil {
		updates["company"] = *input.Company
	}
	if input.Status != nil {
		updates["status"] = *input.Status
		now := time.Now()
		if *input.Status == "contacted" {
			updates["last_contact"] = &now
		}
	}
	if len(updates) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Nothing to update", nil)
	}

	if err := cc.DB.Model(&lead).Updates(updates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update lead", err)
	}
	return c.JSON(utils.SuccessResponse(lead))
}

// DeleteLead soft deletes a lead; linked threads keep their history
func (cc *CRMController) DeleteLead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	id, err := c.ParamsInt("id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead id", err)
	}

	var lead models.Lead
	if err := cc.DB.Where("user_id = ?", user.ID).First(&lead, id).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", err)
	}

	if err := cc.DB.Delete(&lead).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete lead", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": lead.ID}))
}

// CreateClient creates a billable customer record
func (cc *CRMController) CreateClient(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		Name         string `json:"name" validate:"required,max=200"`
		ContactEmail string `json:"contact_email" validate:"omitempty,email"`
		Phone        string `json:"phone" validate:"omitempty,max=32"`
		Notes        string `json:"notes"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	client := models.Client{
		UserID:       user.ID,
		Name:         input.Name,
		ContactEmail: strings.ToLower(input.ContactEmail),
		Phone:        input.Phone,
		Notes:        input.Notes,
	}
	if err := cc.DB.Create(&client).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create client", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(client))
}

// GetClients lists the user's clients with their projects
func (cc *CRMController) GetClients(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var clients []models.Client
	if err := cc.DB.Preload("Projects").
		Where("user_id = ?", user.ID).
		Order("name ASC").
		Find(&clients).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list clients", err)
	}
	return c.JSON(utils.SuccessResponse(clients))
}

// CreateProject creates a project, optionally under a client
func (cc *CRMController) CreateProject(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		Name        string     `json:"name" validate:"required,max=200"`
		Description string     `json:"description"`
		ClientID    *uint      `json:"client_id"`
		DueDate     *time.Time `json:"due_date"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if input.ClientID != nil && *input.ClientID != 0 {
		var client models.Client
		if err := cc.DB.Where("user_id = ?", user.ID).First(&client, *input.ClientID).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Client not found", err)
		}
	}

	project := models.Project{
		UserID:      user.ID,
		ClientID:    input.ClientID,
		Name:        input.Name,
		Description: input.Description,
		DueDate:     input.DueDate,
	}
	if err := cc.DB.Create(&project).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create project", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(project))
}

// GetProjects lists the user's projects with optional status filter
func (cc *CRMController) GetProjects(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	query := cc.DB.Model(&models.Project{}).Where("user_id = ?", user.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var projects []models.Project
	if err := query.Order("created_at DESC").Find(&projects).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list projects", err)
	}
	return c.JSON(utils.SuccessResponse(projects))
}

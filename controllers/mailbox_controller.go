package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/place-to-stand/place-to-stand-portal-sub005/mailsync"
	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
	"github.com/place-to-stand/place-to-stand-portal-sub005/utils"
	"github.com/place-to-stand/place-to-stand-portal-sub005/worker"
)

type MailboxController struct {
	db     *gorm.DB
	engine *mailsync.Engine
	worker *worker.SyncWorker
	imap   *mailsync.IMAPClient
	logger *log.Logger
}

func NewMailboxController(db *gorm.DB, engine *mailsync.Engine, sw *worker.SyncWorker, logger *log.Logger) *MailboxController {
	return &MailboxController{
		db:     db,
		engine: engine,
		worker: sw,
		imap:   mailsync.NewIMAPClient(),
		logger: logger,
	}
}

type ConnectIMAPRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Host       string `json:"host" validate:"required"`
	Port       int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Username   string `json:"username" validate:"required"`
	Password   string `json:"password" validate:"required"`
	Encryption string `json:"encryption" validate:"omitempty,oneof=SSL TLS STARTTLS NONE"`
	Mailbox    string `json:"mailbox"`
}

type SyncNowRequest struct {
	ConnectionID uint `json:"connection_id"`
	ForceFull    bool `json:"force_full"`
}

// ConnectGmail starts the OAuth handshake. The state token carries the user
// id because Google's redirect arrives without our session.
func (mc *MailboxController) ConnectGmail(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	cfg := mailsync.OAuthConfig(models.ProviderGmail)
	if cfg == nil || cfg.ClientID == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Gmail integration is not configured",
		})
	}

	state, err := utils.GenerateStateToken(user.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate state token",
		})
	}

	// AccessTypeOffline + consent prompt so Google returns a refresh token
	// even for previously authorized accounts.
	url := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	return c.JSON(fiber.Map{"auth_url": url})
}

// GmailCallback finishes the handshake: exchanges the code, resolves the
// mailbox address, stores the encrypted token pair and kicks off the first
// full sync in the background.
func (mc *MailboxController) GmailCallback(c *fiber.Ctx) error {
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing state or authorization code",
		})
	}

	userID, err := utils.ParseStateToken(state)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid state parameter",
		})
	}

	cfg := mailsync.OAuthConfig(models.ProviderGmail)
	token, err := cfg.Exchange(c.Context(), code)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to exchange authorization code",
		})
	}

	email, err := mc.fetchGoogleEmail(c.Context(), cfg, token)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to resolve mailbox address",
		})
	}

	encAccess, err := utils.Encrypt(token.AccessToken)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to secure tokens",
		})
	}
	encRefresh, err := utils.Encrypt(token.RefreshToken)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to secure tokens",
		})
	}

	conn, err := mc.upsertConnection(userID, models.ProviderGmail, email, func(conn *models.EmailConnection) {
		conn.AccessToken = encAccess
		conn.RefreshToken = encRefresh
		conn.TokenExpiry = token.Expiry
		conn.Scopes = "gmail.modify userinfo.email"
		conn.Status = models.ConnectionStatusActive
		conn.SyncState = ""
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save connection",
		})
	}

	mc.kickInitialSync(conn)

	conn.Sanitize()
	return c.JSON(fiber.Map{
		"message":    "Mailbox connected, initial sync started",
		"connection": conn,
	})
}

// ConnectIMAP links a plain IMAP mailbox after verifying the credentials.
func (mc *MailboxController) ConnectIMAP(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req ConnectIMAPRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	// Validate request
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if req.Port == 0 {
		req.Port = 993
	}
	if req.Encryption == "" {
		req.Encryption = "SSL"
	}
	if req.Mailbox == "" {
		req.Mailbox = "INBOX"
	}

	encPassword, err := utils.Encrypt(req.Password)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to secure credentials",
		})
	}

	probe := models.EmailConnection{
		UserID:         user.ID,
		Provider:       models.ProviderIMAP,
		ProviderEmail:  req.Email,
		IMAPHost:       req.Host,
		IMAPPort:       req.Port,
		IMAPUsername:   req.Username,
		IMAPPassword:   encPassword,
		IMAPEncryption: req.Encryption,
		IMAPMailbox:    req.Mailbox,
	}
	if err := mc.imap.Verify(c.Context(), &probe); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Could not log in to the IMAP server with these credentials",
		})
	}

	conn, err := mc.upsertConnection(user.ID, models.ProviderIMAP, req.Email, func(conn *models.EmailConnection) {
		conn.IMAPHost = req.Host
		conn.IMAPPort = req.Port
		conn.IMAPUsername = req.Username
		conn.IMAPPassword = encPassword
		conn.IMAPEncryption = req.Encryption
		conn.IMAPMailbox = req.Mailbox
		conn.Status = models.ConnectionStatusActive
		conn.SyncState = ""
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save connection",
		})
	}

	mc.kickInitialSync(conn)

	conn.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":    "Mailbox connected, initial sync started",
		"connection": conn,
	})
}

func (mc *MailboxController) ListConnections(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var conns []models.EmailConnection
	if err := mc.db.Where("user_id = ?", user.ID).Find(&conns).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list connections",
		})
	}

	for i := range conns {
		conns[i].Sanitize()
	}
	return c.JSON(fiber.Map{"connections": conns})
}

// DisconnectConnection revokes a connection. Synced threads and messages are
// kept; only the credential link goes away.
func (mc *MailboxController) DisconnectConnection(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid connection id",
		})
	}

	var conn models.EmailConnection
	if err := mc.db.Where("user_id = ?", user.ID).First(&conn, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Connection not found",
		})
	}

	if err := mc.db.Model(&conn).Update("status", models.ConnectionStatusRevoked).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to disconnect",
		})
	}
	if err := mc.db.Delete(&conn).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to disconnect",
		})
	}

	return c.JSON(fiber.Map{"message": "Mailbox disconnected"})
}

// SyncNow runs an on-demand sync for one connection or all of the user's
// active connections. force_full discards the checkpoint first.
func (mc *MailboxController) SyncNow(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req SyncNowRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	var conns []models.EmailConnection
	query := mc.db.Where("user_id = ? AND status = ?", user.ID, models.ConnectionStatusActive)
	if req.ConnectionID != 0 {
		query = query.Where("id = ?", req.ConnectionID)
	}
	if err := query.Find(&conns).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load connections",
		})
	}
	if len(conns) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No active mailbox connection found",
		})
	}

	results := make([]*mailsync.Result, 0, len(conns))
	for i := range conns {
		if req.ForceFull {
			if err := mc.engine.ResetState(&conns[i]); err != nil {
				mc.logger.Printf("Failed to reset sync state for connection %d: %v", conns[i].ID, err)
			}
		}
		results = append(results, mc.engine.SyncConnection(c.Context(), &conns[i]))
	}

	status := fiber.StatusOK
	for _, res := range results {
		if res.Failed() {
			status = fiber.StatusMultiStatus
		}
	}
	return c.Status(status).JSON(fiber.Map{"results": results})
}

// SyncJob is the scheduler entrypoint, guarded by the job-secret middleware.
// It runs one pass over every active connection across all users.
func (mc *MailboxController) SyncJob(c *fiber.Ctx) error {
	results := mc.worker.RunAll(c.Context())

	var failed int
	for _, res := range results {
		if res.Failed() {
			failed++
		}
	}
	return c.JSON(fiber.Map{
		"connections": len(results),
		"failed":      failed,
		"results":     results,
	})
}

// upsertConnection reuses the existing (user, provider) row when present so
// reconnecting after a revocation keeps thread history attached.
func (mc *MailboxController) upsertConnection(userID uint, provider, email string, mutate func(*models.EmailConnection)) (*models.EmailConnection, error) {
	var conn models.EmailConnection
	err := mc.db.Where("user_id = ? AND provider = ?", userID, provider).First(&conn).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	conn.UserID = userID
	conn.Provider = provider
	conn.ProviderEmail = email
	mutate(&conn)

	if err := mc.db.Save(&conn).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

// kickInitialSync runs the first pass in the background so connect endpoints
// return immediately.
func (mc *MailboxController) kickInitialSync(conn *models.EmailConnection) {
	snapshot := *conn
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		res := mc.engine.SyncConnection(ctx, &snapshot)
		if res.Failed() {
			mc.logger.Printf("Initial sync for connection %d failed: %v", snapshot.ID, res.Errors)
		}
	}()
}

func (mc *MailboxController) fetchGoogleEmail(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) (string, error) {
	client := cfg.Client(ctx, token)
	resp, err := client.Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", err
	}
	if info.Email == "" {
		return "", errors.New("userinfo response missing email")
	}
	return info.Email, nil
}

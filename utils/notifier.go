package utils

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/place-to-stand/place-to-stand-portal-sub005/config"
)

var reauthTemplate = template.Must(template.New("reauth").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reconnect your mailbox</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { color: #2c3e50; border-bottom: 1px solid #eee; padding-bottom: 10px; }
        .content { margin: 20px 0; }
        .footer { margin-top: 30px; font-size: 12px; color: #7f8c8d; text-align: center; }
    </style>
</head>
<body>
    <div class="header">
        <h2>Your mailbox needs to be reconnected</h2>
    </div>

    <div class="content">
        <p>Hello,</p>
        <p>We can no longer access your <strong>{{.Provider}}</strong> mailbox ({{.ProviderEmail}}).
        The authorization was revoked or expired, so email syncing has been paused.</p>
        <p>Open the portal and reconnect the mailbox to resume syncing. Nothing already
        synced has been lost.</p>
    </div>

    <div class="footer">
        <p>© {{.Year}} Place to Stand. All rights reserved.</p>
    </div>
</body>
</html>`))

// SendReauthNotice emails the user when a mailbox connection dies and needs
// a fresh OAuth grant. Best-effort: sync carries on regardless of delivery.
func SendReauthNotice(toEmail, provider, providerEmail string) error {
	if config.AppConfig.SMTPHost == "" {
		return nil // notifications disabled
	}

	var body bytes.Buffer
	err := reauthTemplate.Execute(&body, map[string]interface{}{
		"Provider":      provider,
		"ProviderEmail": providerEmail,
		"Year":          time.Now().Year(),
	})
	if err != nil {
		return fmt.Errorf("failed to render reauth notice: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", config.AppConfig.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", "Action needed: reconnect your mailbox")
	m.SetBody("text/html", body.String())

	d := gomail.NewDialer(
		config.AppConfig.SMTPHost,
		config.AppConfig.SMTPPort,
		config.AppConfig.SMTPUsername,
		config.AppConfig.SMTPPassword,
	)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send reauth notice: %w", err)
	}
	return nil
}

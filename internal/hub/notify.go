package hub

import (
	"encoding/base64"
	"fmt"
	"maps"

	"github.com/skip2/go-qrcode"
)

const qrImageSize = 256

// CreateNotification is the body of a persistent_notification/create call.
type CreateNotification struct {
	Title          string `json:"title"`
	Message        string `json:"message"`
	NotificationID string `json:"notification_id"`
}

// DismissNotification is the body of a persistent_notification/dismiss call.
type DismissNotification struct {
	NotificationID string `json:"notification_id"`
}

// NotificationID is the stable id of a session's QR prompt, so the prompt
// created for a challenge can be dismissed once the session is ready.
func NotificationID(sessionID string) string {
	return "whatsapp_addon_qrcode_" + sessionID
}

// QRCodeNotification renders code as a PNG and embeds it in a markdown
// notification asking the user to scan it.
func QRCodeNotification(sessionID, code string) (CreateNotification, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		return CreateNotification{}, fmt.Errorf("render qr code: %w", err)
	}
	img := base64.StdEncoding.EncodeToString(png)
	return CreateNotification{
		Title: fmt.Sprintf("Whatsapp QRCode (%s)", sessionID),
		Message: fmt.Sprintf("Please scan the following QRCode for **%s** client... ![QRCode](data:image/png;base64,%s)",
			sessionID, img),
		NotificationID: NotificationID(sessionID),
	}, nil
}

// Dismiss builds the dismissal matching QRCodeNotification.
func Dismiss(sessionID string) DismissNotification {
	return DismissNotification{NotificationID: NotificationID(sessionID)}
}

// EventPayload merges a message or presence record with the session id
// under "clientId". The session id always wins over a record field of the
// same name.
func EventPayload(sessionID string, record map[string]any) map[string]any {
	out := make(map[string]any, len(record)+1)
	maps.Copy(out, record)
	out["clientId"] = sessionID
	return out
}

package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/wgwarden/wgwarden/internal/crypto"
	"github.com/wgwarden/wgwarden/internal/database"
)

// smtpSettingsPayload is the wire form of the SMTP settings. The password is
// write-only: reads return a masked placeholder.
type smtpSettingsPayload struct {
	Host       string `json:"smtp_host"`
	Port       string `json:"smtp_port"`
	Username   string `json:"smtp_username"`
	Password   string `json:"smtp_password,omitempty"`
	From       string `json:"smtp_from"`
	Recipients string `json:"alert_recipients"`
}

// GetSMTPSettings returns the stored SMTP settings with the password masked.
func GetSMTPSettings(w http.ResponseWriter, r *http.Request) {
	get := func(key string) string {
		v, err := database.GetSetting(key)
		if err != nil {
			return ""
		}
		return v
	}

	password, err := crypto.Decrypt(get("smtp_password"))
	if err != nil {
		password = ""
	}

	writeJSON(w, http.StatusOK, smtpSettingsPayload{
		Host:       get("smtp_host"),
		Port:       get("smtp_port"),
		Username:   get("smtp_username"),
		Password:   crypto.Mask(password),
		From:       get("smtp_from"),
		Recipients: get("alert_recipients"),
	})
}

// UpdateSMTPSettings stores the SMTP settings. The password is encrypted at
// rest; an empty password field leaves the stored password unchanged.
func UpdateSMTPSettings(w http.ResponseWriter, r *http.Request) {
	var payload smtpSettingsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(payload.Host) == "" {
		writeError(w, http.StatusBadRequest, "smtp_host is required")
		return
	}

	values := map[string]string{
		"smtp_host":        strings.TrimSpace(payload.Host),
		"smtp_port":        strings.TrimSpace(payload.Port),
		"smtp_username":    strings.TrimSpace(payload.Username),
		"smtp_from":        strings.TrimSpace(payload.From),
		"alert_recipients": strings.TrimSpace(payload.Recipients),
	}
	for key, value := range values {
		if err := database.SetSetting(key, value); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save settings")
			return
		}
	}

	if payload.Password != "" {
		encrypted, err := crypto.Encrypt(payload.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encrypt password")
			return
		}
		if err := database.SetSetting("smtp_password", encrypted); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save settings")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

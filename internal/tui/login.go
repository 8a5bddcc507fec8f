// Package tui holds the interactive terminal pieces of the downloader:
// the TCIA login prompt and the live progress dashboard.
package tui

import (
	"fmt"

	"github.com/charmbracelet/huh"
)

// Credentials are the TCIA account details entered by the user.
type Credentials struct {
	Username string
	Password string
}

// PromptLogin asks for TCIA credentials on the terminal. A pre-known
// username is shown as the default and only the password is asked for.
func PromptLogin(username string) (Credentials, error) {
	creds := Credentials{Username: username}

	var fields []huh.Field
	if creds.Username == "" {
		fields = append(fields, huh.NewInput().
			Title("TCIA username").
			Description("Leave empty to continue as guest.").
			Value(&creds.Username))
	}
	fields = append(fields, huh.NewInput().
		Title("Password").
		EchoMode(huh.EchoModePassword).
		Value(&creds.Password))

	form := huh.NewForm(huh.NewGroup(fields...))
	if err := form.Run(); err != nil {
		return Credentials{}, fmt.Errorf("login prompt: %w", err)
	}
	return creds, nil
}

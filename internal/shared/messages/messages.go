package messages

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

//go:embed notifications.json
var defaultMessages []byte

type MessageText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Render substitutes {institution} in title and body.
func (m MessageText) Render(institution string) MessageText {
	if institution == "" {
		institution = "your bank"
	}
	return MessageText{
		Title: strings.ReplaceAll(m.Title, "{institution}", institution),
		Body:  strings.ReplaceAll(m.Body, "{institution}", institution),
	}
}

type Messages struct {
	ConnectionError    MessageText `json:"connection_error"`
	LinkUpdate         MessageText `json:"link_update"`
	PendingExpiration  MessageText `json:"pending_expiration"`
	AccountRevoked     MessageText `json:"account_revoked"`
	LinkUpdateAccounts MessageText `json:"link_update_accounts"`
	LoginRepaired      MessageText `json:"login_repaired"`
	PermissionRevoked  MessageText `json:"permission_revoked"`
}

var (
	defaults    Messages
	defaultOnce sync.Once
)

// Default returns the built-in notification copy.
func Default() *Messages {
	defaultOnce.Do(func() {
		if err := json.Unmarshal(defaultMessages, &defaults); err != nil {
			panic(fmt.Sprintf("messages: embedded notifications.json is invalid: %v", err))
		}
	})
	m := defaults
	return &m
}

// Load reads a notifications JSON file over the defaults. Keys missing from
// the file keep their built-in text. An empty path returns the defaults.
func Load(path string) (*Messages, error) {
	m := Default()
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse messages file: %w", err)
	}
	return m, nil
}

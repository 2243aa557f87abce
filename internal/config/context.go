package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Context is the CLI's signed-in identity and last opened conversation.
type Context struct {
	// UserID is the signed-in user.
	UserID string `yaml:"user,omitempty"`
	// DisplayName is shown in prompts (optional).
	DisplayName string `yaml:"display_name,omitempty"`
	// Token is the bearer token issued for UserID.
	Token string `yaml:"token,omitempty"`
	// Conversation is the last conversation key opened with the CLI.
	Conversation string `yaml:"conversation,omitempty"`
	// UpdatedAt is when the context was last modified.
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// IsEmpty returns true if nobody is signed in.
func (c *Context) IsEmpty() bool {
	return c.UserID == ""
}

// Identity reports the signed-in user; ok is false without a user and token.
func (c *Context) Identity() (string, bool) {
	if c == nil || strings.TrimSpace(c.UserID) == "" || strings.TrimSpace(c.Token) == "" {
		return "", false
	}
	return c.UserID, true
}

// SignIn replaces the identity and forgets the previous user's conversation.
func (c *Context) SignIn(userID, displayName, token string) {
	if c.UserID != userID {
		c.Conversation = ""
	}
	c.UserID = userID
	c.DisplayName = displayName
	c.Token = token
	c.UpdatedAt = time.Now()
}

// SetConversation remembers the conversation last opened.
func (c *Context) SetConversation(key string) {
	c.Conversation = key
	c.UpdatedAt = time.Now()
}

// Clear signs out.
func (c *Context) Clear() {
	c.UserID = ""
	c.DisplayName = ""
	c.Token = ""
	c.Conversation = ""
	c.UpdatedAt = time.Now()
}

// String returns a human-readable representation of the context.
func (c *Context) String() string {
	if c.IsEmpty() {
		return "(not signed in)"
	}
	name := c.DisplayName
	if name == "" {
		name = c.UserID
	}
	parts := []string{fmt.Sprintf("user:%s", name)}
	if c.Token == "" {
		parts = append(parts, "(no token)")
	}
	if c.Conversation != "" {
		parts = append(parts, fmt.Sprintf("conversation:%s", c.Conversation))
	}
	return strings.Join(parts, " ")
}

// ContextStore manages loading and saving context.
type ContextStore struct {
	path string
	mu   sync.RWMutex
}

// NewContextStore creates a new context store.
// If path is empty, uses the default path (~/.config/toolchat/context.yaml).
func NewContextStore(path string) *ContextStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "toolchat", "context.yaml")
	}
	return &ContextStore{path: path}
}

// Path returns the context file path.
func (s *ContextStore) Path() string {
	return s.path
}

// Load reads the context from disk.
// Returns an empty context if the file doesn't exist.
func (s *ContextStore) Load() (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := &Context{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ctx, nil
		}
		return nil, fmt.Errorf("failed to read context file: %w", err)
	}

	if err := yaml.Unmarshal(data, ctx); err != nil {
		return nil, fmt.Errorf("failed to parse context file: %w", err)
	}

	return ctx, nil
}

// Save writes the context to disk. The file holds a token, so it is private.
func (s *ContextStore) Save(ctx *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}

	data, err := yaml.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}

	return nil
}

// Clear removes the context file.
func (s *ContextStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove context file: %w", err)
	}
	return nil
}

// Package automation runs user Lua scripts against the session layer:
// scripts register handlers for session events and can read device
// state and publish control/config documents.
package automation

import (
	"lumibot-session/internal/device"
	"lumibot-session/internal/session"
)

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script represents a single automation script stored on disk.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// SessionAPI is the slice of the session layer exposed to scripts.
type SessionAPI interface {
	Events() *session.Bus
	State(id string) (device.State, bool)
	Subscribed() []string
	PublishControl(id string, payload any) (session.PublishResult, error)
	PublishConfig(id string, payload any) (session.PublishResult, error)
}

//go:build no_automation

package main

import (
	"log/slog"

	"lumibot-session/internal/session"
	"lumibot-session/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *session.Service, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}

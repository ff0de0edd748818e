package handler

import (
	"chatty/internal/app/chat"
	"chatty/internal/configs"
)

// ChatServer is the view of the chat server the admin surface needs.
type ChatServer interface {
	Status() chat.Status
	OnlineUsers() []string
	DumpStats() error
}

type AppDeps struct {
	Chat   ChatServer
	Config *configs.AppConfig

	// Done is closed on shutdown to end long-lived websocket streams.
	Done <-chan struct{}
}

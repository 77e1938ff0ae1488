// Package mgmt exposes a small status API over the engine: health, the
// derived loading state and the optimistic message snapshot.
package mgmt

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/chat-engine/internal/config"
	"github.com/p-blackswan/chat-engine/internal/optimistic"
	"github.com/p-blackswan/chat-engine/internal/session"
	"github.com/p-blackswan/chat-engine/internal/state"
	"github.com/p-blackswan/chat-engine/internal/threads"
)

// ContextFunc supplies the current chat state context for derivation.
type ContextFunc func() state.Context

// Server is the status API Fiber application.
type Server struct {
	app     *fiber.App
	manager *optimistic.Manager
	sess    *session.Session
	store   *threads.Store
	stateFn ContextFunc
	prompts []config.Prompt
	logger  zerolog.Logger
}

// NewServer creates and configures the status API server.
func NewServer(
	manager *optimistic.Manager,
	sess *session.Session,
	store *threads.Store,
	stateFn ContextFunc,
	prompts []config.Prompt,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	app.Use(recover.New())

	s := &Server{
		app:     app,
		manager: manager,
		sess:    sess,
		store:   store,
		stateFn: stateFn,
		prompts: prompts,
		logger:  logger.With().Str("component", "mgmt_server").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/api/state", s.handleState)
	s.app.Get("/api/messages", s.handleMessages)
	s.app.Get("/api/history", s.handleHistory)
	s.app.Get("/api/threads", s.handleThreads)
	s.app.Get("/api/threads/:id/messages", s.handleThreadMessages)
	s.app.Get("/api/prompts", s.handlePrompts)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"connected": s.sess.IsConnected(),
	})
}

func (s *Server) handleState(c *fiber.Ctx) error {
	ctx := s.stateFn()
	st := state.Determine(ctx)
	return c.JSON(fiber.Map{
		"state":   st,
		"flags":   state.Flags(st, ctx),
		"context": ctx,
	})
}

func (s *Server) handleMessages(c *fiber.Ctx) error {
	snap := s.manager.State()
	return c.JSON(fiber.Map{
		"messages":          snap.Messages,
		"pending_user":      snap.PendingUser,
		"pending_assistant": snap.PendingAssistant,
		"retry_queue":       snap.RetryQueue,
	})
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	entries := s.sess.History().Entries()
	types := make([]string, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.Envelope.Type)
	}
	return c.JSON(fiber.Map{
		"length": len(entries),
		"types":  types,
	})
}

func (s *Server) handleThreads(c *fiber.Ctx) error {
	list, err := s.store.ListThreads(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"threads": list})
}

func (s *Server) handleThreadMessages(c *fiber.Ctx) error {
	msgs, err := s.store.ListMessages(c.Context(), c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

func (s *Server) handlePrompts(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"prompts": s.prompts})
}

// Listen serves the API on addr, blocking until shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("status API listening")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the underlying fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

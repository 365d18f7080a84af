package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"campusChat/pkg/api"
	myMiddleware "campusChat/pkg/middleware"
)

type Server struct {
	router      *chi.Mux
	hub         *api.Hub
	userService api.UserService
	chatService api.ChatService
	verifier    myMiddleware.Verifier
	logger      *slog.Logger
}

func NewServer(router *chi.Mux, hub *api.Hub, userService api.UserService, chatService api.ChatService, verifier myMiddleware.Verifier, logger *slog.Logger) *Server {
	return &Server{
		router:      router,
		hub:         hub,
		userService: userService,
		chatService: chatService,
		verifier:    verifier,
		logger:      logger,
	}
}

func (s *Server) Run() error {
	go s.hub.Run()

	r := s.Routes()

	server := &http.Server{Addr: os.Getenv("SERVER_URL"), Handler: r}

	// Server run context
	serverCtx, serverStopCtx := context.WithCancel(context.Background())

	// Listen for syscall signals for process to interrupt/quit
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		// Shutdown signal with grace period of 30 seconds
		shutdownCtx, cancelFunc := context.WithTimeout(serverCtx, 30*time.Second)
		defer cancelFunc()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				s.logger.Error("graceful shutdown timed out, forcing exit")
				os.Exit(1)
			}
		}()

		// Trigger graceful shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("shutdown", "err", err)
			os.Exit(1)
		}
		serverStopCtx()
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-serverCtx.Done()
	return nil
}

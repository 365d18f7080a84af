package main

import (
	"context"
	"log"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/joho/godotenv"

	"campusChat/config"
	"campusChat/pkg/api"
	"campusChat/pkg/app"
	"campusChat/pkg/logging"
	myMiddleware "campusChat/pkg/middleware"
	"campusChat/pkg/repository"
)

func init() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, relying on environment")
	}
}

func main() {
	logger := logging.New(os.Getenv("APP_ENV"))

	db, err := setupDatabase()
	if err != nil {
		logger.Error("unable to connect to database", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	firebaseApp := config.SetupFirebase()

	firestoreClient, err := firebaseApp.Firestore(context.Background())
	if err != nil {
		logger.Error("firestore client", "err", err)
		os.Exit(1)
	}

	authClient, err := firebaseApp.Auth(context.Background())
	if err != nil {
		logger.Error("auth client", "err", err)
		os.Exit(1)
	}
	verifier := &myMiddleware.FirebaseVerifier{Auth: authClient}

	storage := repository.NewStorage(db, firestoreClient)

	hub := api.NewHub(logger)
	userService := api.NewUserService(storage)
	chatService := api.NewChatService(storage, hub, logger)

	router := chi.NewRouter()
	server := app.NewServer(router, hub, userService, chatService, verifier, logger)

	if err := server.Run(); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func setupDatabase() (*pgxpool.Pool, error) {
	return pgxpool.Connect(context.Background(), os.Getenv("DATABASE_URL"))
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Helphive/helphive-server/cmd/api"
	"github.com/Helphive/helphive-server/cmd/models"
	"github.com/Helphive/helphive-server/db"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func main() {
	godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			runMigrations(log)
			return
		case "serve":
		default:
			log.Fatalf("Unknown command: %s", os.Args[1])
		}
	}

	startServer(log)
}

func runMigrations(log *logrus.Logger) {
	DB, err := db.NewPSQLStorage()
	if err != nil {
		log.Fatalf("Database initialization error: %v", err)
	}
	defer func() {
		sqlDB, _ := DB.DB()
		sqlDB.Close()
	}()

	if err := performMigrations(DB, log); err != nil {
		log.Fatalf("Migration error: %v", err)
	}
	log.Info("Migrations completed successfully")
}

func performMigrations(DB *gorm.DB, log *logrus.Logger) error {
	migrations := []struct {
		model interface{}
		name  string
	}{
		{&models.User{}, "User"},
		{&models.Booking{}, "Booking"},
		{&models.BookingStatusChange{}, "BookingStatusChange"},
		{&models.EarningsEntry{}, "EarningsEntry"},
		{&models.PayoutRequest{}, "PayoutRequest"},
		{&models.PayoutAllocation{}, "PayoutAllocation"},
		{&models.ReconciliationFailure{}, "ReconciliationFailure"},
	}

	for _, m := range migrations {
		log.Infof("Migrating %s table...", m.name)
		if err := DB.AutoMigrate(m.model); err != nil {
			return fmt.Errorf("error migrating %s table: %w", m.name, err)
		}
	}
	return nil
}

func startServer(log *logrus.Logger) {
	DB, err := db.NewPSQLStorage()
	if err != nil {
		log.Fatalf("Database initialization error: %v", err)
	}
	defer func() {
		sqlDB, _ := DB.DB()
		sqlDB.Close()
	}()
	log.Info("Connected to the database")

	cache := db.NewRedisClient()
	if cache == nil {
		log.Warn("REDIS_ADDR not set, open feed cache disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("Shutting down server...")
		cancel()
	}()

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	server := api.NewAPIServer(":"+port, DB, cache, log)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

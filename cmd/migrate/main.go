package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/IBM/taxinomitis/internal/db"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	// Connect to database
	conn, err := db.Connect(dsn)
	if err != nil {
		log.Fatal(err)
	}

	// Run migrations
	log.Println("Running database migrations...")
	if err := db.AutoMigrate(conn); err != nil {
		db.Close(conn)
		log.Fatal(err)
	}
	db.Close(conn)

	log.Println("✅ Database migrations completed successfully!")
}

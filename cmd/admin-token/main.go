package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/IBM/taxinomitis/internal/middleware"
)

// Prints a bearer token for the /admin routes, signed with JWT_SECRET
func main() {
	subject := flag.String("subject", "admin", "who the token is issued to")
	ttl := flag.Duration("ttl", time.Hour, "how long the token stays valid")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	token, expiresAt, err := middleware.NewAdminToken(os.Getenv("JWT_SECRET"), *subject, *ttl)
	if err != nil {
		log.Fatalf("Failed to create token: %v", err)
	}

	log.Printf("Token for %s expires at %s", *subject, expiresAt.UTC().Format(time.RFC3339))
	fmt.Println(token)
}

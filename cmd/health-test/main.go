package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/IBM/taxinomitis/internal/services"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Services  struct {
		Database struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		} `json:"database"`
		Cache services.CacheStats `json:"cache"`
	} `json:"services"`
}

func main() {
	url := "http://localhost:8000/health"
	if len(os.Args) > 1 {
		url = os.Args[1]
	}

	fmt.Printf("Testing health endpoint: %s\n", url)

	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Printf("Error connecting to health endpoint: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("Error reading response: %v\n", err)
		os.Exit(1)
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		fmt.Printf("Error parsing JSON response: %v\n", err)
		os.Exit(1)
	}

	if resp.StatusCode != http.StatusOK || health.Status != "ok" {
		fmt.Printf("Health check failed: %s %s\n", resp.Status, string(body))
		if health.Services.Database.Error != "" {
			fmt.Printf("   Database error: %s\n", health.Services.Database.Error)
		}
		os.Exit(1)
	}

	fmt.Printf("Health check passed\n")
	fmt.Printf("   Version: %s\n", health.Version)
	fmt.Printf("   Database: %s\n", health.Services.Database.Status)
	fmt.Printf("   Models cached: %d/%d (%d evicted)\n",
		health.Services.Cache.Models, health.Services.Cache.Capacity, health.Services.Cache.Evictions)
	fmt.Printf("   Timestamp: %s\n", health.Timestamp)
}

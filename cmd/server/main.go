package main

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kotori-audio/kotori/internal/service"
	"github.com/kotori-audio/kotori/internal/storage"
)

var (
	port           int
	dbPath         string
	catalogTTLMin  int
	allowedOrigins string
)

func init() {
	// .env is optional; flags and real environment win.
	_ = godotenv.Load()

	flag.IntVar(&port, "port", 8080, "HTTP server port")
	flag.StringVar(&dbPath, "db", getEnvOrDefault("KOTORI_DB_PATH", storage.DefaultDBFile), "Path to SQLite database")
	flag.IntVar(&catalogTTLMin, "catalog-ttl", 15, "Tag-type cache freshness window in minutes")
	flag.StringVar(&allowedOrigins, "origins", "*", "Comma-separated list of allowed CORS origins (use * for all)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	flag.Parse()

	// Parse allowed origins
	var origins []string
	if allowedOrigins == "*" {
		origins = []string{"*"}
	} else {
		origins = strings.Split(allowedOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}

	engine, err := service.New(
		service.WithDBPath(dbPath),
		service.WithCatalogTTL(time.Duration(catalogTTLMin)*time.Minute),
	)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer engine.Close()

	config := &ServerConfig{
		Port:           port,
		DBPath:         dbPath,
		AllowedOrigins: origins,
	}

	server := NewServer(engine, config)
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

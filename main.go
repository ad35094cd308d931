package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"docuchat_back/cache"
	"docuchat_back/chat"
	"docuchat_back/documents"
	"docuchat_back/llm"
	"docuchat_back/retrieval"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func corsConfig() cors.Config {
	config := cors.DefaultConfig()
	raw := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS"))
	if raw == "" || raw == "*" {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = strings.Split(raw, ",")
	}
	config.AllowHeaders = append(config.AllowHeaders, "Authorization")
	return config
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(cors.New(corsConfig()))

	chatClient, err := llm.NewChatClientFromEnv()
	if err != nil {
		log.Fatalf("init llm client: %v", err)
	}

	documentsModule, err := documents.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register document routes: %v", err)
	}

	retrievalModule, err := retrieval.RegisterRoutes(r, chatClient)
	if err != nil {
		log.Fatalf("register retrieval routes: %v", err)
	}

	if _, err := chat.RegisterRoutes(r, documentsModule.Service(), retrievalModule.Engine(), chatClient); err != nil {
		log.Fatalf("register chat routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	go func() {
		if err := r.Run(":" + port); err != nil {
			log.Fatalf("start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down, draining ingestion queue")
	documentsModule.Close()
	if err := cache.Close(); err != nil {
		log.Printf("close redis client: %v", err)
	}
}

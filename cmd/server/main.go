package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/november222/onlyyou-sub000/internal/rendezvous"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("📄 Loaded .env")
	}

	server := rendezvous.NewServer()
	server.Run()
}

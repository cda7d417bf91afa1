package main

import (
	"errors"
	"io/fs"
	"log"

	"github.com/joho/godotenv"

	"pawfect/cmd/internal/app"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("env: .env not loaded: %v", err)
	}
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}

package main

import (
	"errors"
	"io/fs"
	"log"

	"github.com/joho/godotenv"

	"courier/cmd/internal/app"
)

func main() {
	// A missing .env is fine; the environment may already be populated.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}

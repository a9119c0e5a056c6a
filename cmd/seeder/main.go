package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/mintapply/backend/internal/auth"
	"github.com/mintapply/backend/internal/config"
	"github.com/mintapply/backend/internal/store"
)

// The launch batch of one-time codes.
var seedCodes = []struct {
	Code   string
	Tokens int64
}{
	{"MINT25", 25},
	{"MINT100", 100},
	{"WELCOME10", 10},
	{"TEST5", 5},
}

func main() {
	demoEmail := flag.String("demo-account", "", "also create a demo account with this email (password 'mintapply-demo')")
	flag.Parse()

	_ = godotenv.Load()

	ledgerStore, err := openStore()
	if err != nil {
		log.Fatalf("Unable to open store: %v", err)
	}
	defer ledgerStore.Close()

	ctx := context.Background()
	log.Println("--- Seeding Redeem Codes ---")

	for _, c := range seedCodes {
		err := ledgerStore.CreateCode(ctx, c.Code, c.Tokens)
		switch {
		case errors.Is(err, store.ErrCodeExists):
			log.Printf("Code %s already exists. Skipping.", c.Code)
		case err != nil:
			log.Fatalf("Failed to create code %s: %v", c.Code, err)
		default:
			log.Printf("Created code %s (%d tokens)", c.Code, c.Tokens)
		}
	}

	if *demoEmail != "" {
		hash, err := auth.HashPassword("mintapply-demo")
		if err != nil {
			log.Fatalf("Failed to hash demo password: %v", err)
		}
		_, err = ledgerStore.CreateAccount(ctx, *demoEmail, "Demo Account", hash)
		switch {
		case errors.Is(err, store.ErrEmailTaken):
			log.Printf("Demo account %s already exists. Skipping.", *demoEmail)
		case err != nil:
			log.Fatalf("Failed to create demo account: %v", err)
		default:
			log.Printf("Created demo account %s", *demoEmail)
		}
	}

	codes, err := ledgerStore.ListCodes(ctx)
	if err != nil {
		log.Fatalf("Failed to list codes: %v", err)
	}

	log.Println("Available redeem codes:")
	for _, c := range codes {
		status := "unused"
		if c.Used() {
			status = "used"
		}
		log.Printf("  %-10s -> %3d tokens (%s)", c.Code, c.Tokens, status)
	}
}

// The seeder only needs the store settings, so it reads them directly
// instead of requiring the full server configuration.
func openStore() (store.LedgerStore, error) {
	if os.Getenv("STORE_BACKEND") == config.BackendPostgres {
		return store.NewPostgresStore(os.Getenv("DB_SOURCE"))
	}
	path := os.Getenv("SQLITE_PATH")
	if path == "" {
		path = "mintapply.db"
	}
	return store.NewSQLiteStore(path)
}

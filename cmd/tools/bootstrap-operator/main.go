// Command bootstrap-operator seeds the first operator account in the
// datastore so the API can be logged into.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"loopcast/internal/storage"
)

func main() {
	var (
		jsonPath    string
		postgresDSN string
		email       string
		displayName string
		password    string
	)

	flag.StringVar(&jsonPath, "json", "", "path to the JSON datastore")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&email, "email", "", "email address for the operator account")
	flag.StringVar(&displayName, "name", "Operator", "display name for the operator account")
	flag.StringVar(&password, "password", "", "password for the operator account")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if strings.TrimSpace(email) == "" {
		fatalf("--email is required")
	}
	if len(password) < 8 {
		fatalf("--password must be at least 8 characters")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := openRepository(ctx, jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	operator, err := repo.CreateOperator(storage.CreateOperatorParams{
		Email:       email,
		DisplayName: strings.TrimSpace(displayName),
		Password:    password,
	})
	if err != nil {
		if errors.Is(err, storage.ErrOperatorExists) {
			fatalf("an operator with email %s already exists; use the API to manage accounts", strings.ToLower(strings.TrimSpace(email)))
		}
		fatalf("create operator: %v", err)
	}

	fmt.Printf("Operator %s (%s) created.\n", operator.Email, operator.DisplayName)
	fmt.Println("Rotate this password after the first login.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(ctx context.Context, jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewStorage(jsonPath)
	}
	return storage.NewPostgresRepository(ctx, storage.PostgresConfig{DSN: postgresDSN})
}

func closeRepository(repo storage.Repository) {
	if closer, ok := repo.(interface{ Close(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = closer.Close(ctx)
	}
}

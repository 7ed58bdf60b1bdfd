// seed-admin creates or updates the portal admin user so a fresh database has
// someone who can approve escrows, verify tasks, and resolve disputes.
//
// Usage:
//
//	DATABASE_URL=... ADMIN_EMAIL=admin@namcnorcal.org ADMIN_PASSWORD=... go run ./cmd/seed-admin
//
// ADMIN_NAME is optional and defaults to "Portal Admin". Running it again with
// the same email resets the password and restores the admin role.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"namcportal/db"
)

func main() {
	godotenv.Load()
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set")
		os.Exit(1)
	}

	email := os.Getenv("ADMIN_EMAIL")
	password := os.Getenv("ADMIN_PASSWORD")
	if email == "" || password == "" {
		fmt.Fprintln(os.Stderr, "ADMIN_EMAIL and ADMIN_PASSWORD must be set")
		os.Exit(2)
	}
	name := os.Getenv("ADMIN_NAME")
	if name == "" {
		name = "Portal Admin"
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}

	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	tx, err := pool.Begin(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to begin transaction: %v\n", err)
		os.Exit(1)
	}
	defer tx.Rollback(ctx)

	var userID string
	err = tx.QueryRow(ctx, `SELECT id FROM users WHERE email = $1`, email).Scan(&userID)
	created := false
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := tx.QueryRow(ctx, `
			INSERT INTO users (email, full_name, password_hash, role)
			VALUES ($1, $2, $3, 'admin')
			RETURNING id
		`, email, name, string(hash)).Scan(&userID); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
			os.Exit(1)
		}
		created = true
	case err != nil:
		fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
		os.Exit(1)
	default:
		if _, err := tx.Exec(ctx, `
			UPDATE users
			SET full_name = $2, password_hash = $3, role = 'admin', updated_at = now()
			WHERE id = $1
		`, userID, name, string(hash)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to update admin user: %v\n", err)
			os.Exit(1)
		}
	}

	// Every user carries a profile row; registration creates it in the same
	// transaction, so the seeded admin gets one too.
	if _, err := tx.Exec(ctx, `
		INSERT INTO member_profiles (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ensure member profile: %v\n", err)
		os.Exit(1)
	}

	if err := tx.Commit(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to commit: %v\n", err)
		os.Exit(1)
	}

	if created {
		fmt.Printf("Created admin user %q (id=%s)\n", email, userID)
	} else {
		fmt.Printf("Updated admin user %q (id=%s)\n", email, userID)
	}
}

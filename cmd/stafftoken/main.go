// stafftoken mints a staff bearer token for the support chat. With --register
// it also creates or updates the staff row so the server accepts the token.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/trackfast/support-chat/internal/auth"
	"github.com/trackfast/support-chat/internal/chat"
	"github.com/trackfast/support-chat/internal/storage/postgres"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	_ = godotenv.Load()

	var (
		secret      string
		staffID     string
		email       string
		role        string
		ttl         time.Duration
		databaseURL string
		register    bool
	)
	flagSet := pflag.NewFlagSet("stafftoken", pflag.ContinueOnError)
	flagSet.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "signing secret (default: $JWT_SECRET)")
	flagSet.StringVar(&staffID, "staff-id", "", "staff id to put in the token")
	flagSet.StringVar(&email, "email", "", "staff email")
	flagSet.StringVar(&role, "role", string(chat.RoleAgent), "agent or supervisor")
	flagSet.DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	flagSet.StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "database for --register (default: $DATABASE_URL)")
	flagSet.BoolVar(&register, "register", false, "create or update the staff row before signing")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if staffID == "" {
		return errors.New("--staff-id is required")
	}
	staffRole := chat.Role(role)
	if !staffRole.Valid() {
		return fmt.Errorf("--role must be %q or %q, got %q", chat.RoleAgent, chat.RoleSupervisor, role)
	}

	if register {
		if databaseURL == "" {
			return errors.New("--register needs --database-url or DATABASE_URL")
		}
		if email == "" {
			return errors.New("--register needs --email")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		db, err := postgres.Open(ctx, databaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Directory().UpsertStaff(ctx, staffID, email, staffRole); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "registered %s (%s) as %s\n", staffID, email, staffRole)
	}

	issuer, err := auth.NewIssuer(secret, ttl)
	if err != nil {
		return err
	}
	token, err := issuer.Sign(staffID, email, staffRole)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"crewgate.org/internal/identity"
	"crewgate.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	_ = godotenv.Load()
	var (
		dsn            = flag.String("dsn", os.Getenv("CREWGATE_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "migrations/sql", "Path to SQL migrations")
		seedsPath      = flag.String("seeds", "migrations/seeds", "Path to SQL seeds")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or CREWGATE_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|bootstrap]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, *migrationsPath, *seedsPath)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	case "bootstrap":
		err = bootstrapAdmin(ctx, db)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// bootstrapAdmin creates the first account on the unrestricted role, at the
// root position, from CREWGATE_ADMIN_EMAIL and CREWGATE_ADMIN_PASSWORD.
func bootstrapAdmin(ctx context.Context, db *sql.DB) error {
	email := os.Getenv("CREWGATE_ADMIN_EMAIL")
	password := os.Getenv("CREWGATE_ADMIN_PASSWORD")
	if email == "" || password == "" {
		return errors.New("set CREWGATE_ADMIN_EMAIL and CREWGATE_ADMIN_PASSWORD")
	}

	store := identity.NewPGStore(db)
	if _, err := store.Users(ctx).FindByEmail(ctx, email); err == nil {
		log.Printf("admin %s already exists", email)
		return nil
	} else if !errors.Is(err, identity.ErrNotFound) {
		return err
	}

	role, err := store.Roles(ctx).FindUnrestricted(ctx)
	if err != nil {
		return fmt.Errorf("unrestricted role (run seed first): %w", err)
	}
	roots, err := store.Positions(ctx).ListByLevel(ctx, 0)
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		return errors.New("no root position (run seed first)")
	}

	hash, err := identity.HashPassword(password)
	if err != nil {
		return err
	}
	user := &identity.User{
		Email:                 email,
		PasswordHash:          hash,
		RoleID:                role.ID,
		PositionID:            roots[0].ID,
		SessionTimeoutMinutes: 15,
		Active:                true,
	}
	if err := store.Users(ctx).Create(ctx, user); err != nil {
		return err
	}
	log.Printf("created admin %s (%s)", email, user.ID)
	return nil
}

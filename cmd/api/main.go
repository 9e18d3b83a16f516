package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"crewgate.org/internal/hierarchy"
	"crewgate.org/internal/httpapi"
	"crewgate.org/internal/identity"
	"crewgate.org/internal/mfa"
	"crewgate.org/internal/obs"
	"crewgate.org/internal/perm"
	"crewgate.org/internal/token"
)

var version = "0.3.1"

func main() {
	_ = godotenv.Load()
	obs.Init()

	dsn := os.Getenv("CREWGATE_PG_DSN")
	if dsn == "" {
		log.Fatal("missing CREWGATE_PG_DSN")
	}
	authSecret := os.Getenv("CREWGATE_AUTH_SECRET")
	if authSecret == "" {
		log.Fatal("missing CREWGATE_AUTH_SECRET")
	}
	mfaKey := os.Getenv("CREWGATE_MFA_KEY")
	if len(mfaKey) != 32 {
		log.Fatal("CREWGATE_MFA_KEY must be 32 bytes")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := identity.NewPGStore(db)

	tokens, err := token.NewService(store, token.WithSecret([]byte(authSecret)))
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	engine, err := mfa.NewEngine(store, []byte(mfaKey))
	if err != nil {
		log.Fatalf("mfa engine: %v", err)
	}

	var hierOpts []hierarchy.Option
	if names := os.Getenv("CREWGATE_ROOT_EXCEPTIONS"); names != "" {
		hierOpts = append(hierOpts, hierarchy.WithRootException(strings.Split(names, ",")...))
	}
	validator := hierarchy.NewValidator(store, hierOpts...)

	resolver := perm.NewResolver(store)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := resolver.EnsureBuiltins(ctx); err != nil {
			log.Printf("ensure builtin permissions: %v", err)
		}
		cancel()
	}

	api := httpapi.New(httpapi.Config{
		ReadyProbe:  httpapi.ReadyProbe{DB: db},
		Version:     version,
		Store:       store,
		Tokens:      tokens,
		MFA:         engine,
		Hierarchy:   validator,
		Permissions: resolver,
	})

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go token.NewSweeper(store).Run(sweepCtx)

	addr := os.Getenv("CREWGATE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting crewgate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"canedump/internal/logger"
	"canedump/internal/model"
	"canedump/internal/repository/sqlite"
	"canedump/internal/retry"
	"canedump/internal/service/session"
)

func main() {
	dbPath := flag.String("db", "data/canedump.db", "Database path")
	recoverAfter := flag.Duration("recover", 0, "Abandon open sessions idle for longer than this (0 disables)")
	flag.Parse()

	fmt.Printf("Migrating database %s\n", *dbPath)

	// Ensure database directory exists
	if err := os.MkdirAll(filepath.Dir(*dbPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	// Opening the database applies the schema
	db, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	gateway := sqlite.NewGateway(db)
	ctx := context.Background()

	if *recoverAfter > 0 {
		mgr := session.NewManager(gateway, nil, nil, session.Options{Policy: retry.DefaultPolicy}, logger.NewWithWriter(os.Stdout, false), nil)
		n, err := mgr.Recover(ctx, time.Now(), *recoverAfter)
		if err != nil {
			log.Fatalf("Failed to recover sessions: %v", err)
		}
		fmt.Printf("✅ Abandoned %d stale session(s)\n", n)
	}

	// Show stats
	fmt.Printf("\n📊 Database Statistics:\n")
	for _, status := range []model.SessionStatus{model.SessionOpen, model.SessionFinalized, model.SessionAbandoned} {
		n, err := gateway.CountSessions(ctx, model.SessionFilter{Status: status})
		if err != nil {
			log.Fatalf("Failed to count sessions: %v", err)
		}
		fmt.Printf("   %-10s %d sessions\n", status+":", n)
	}
}

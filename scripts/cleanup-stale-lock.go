// scripts/cleanup-stale-lock.go - Manual stale writer lock cleanup tool
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/atomoutput/reportoid/internal/config"
	"github.com/atomoutput/reportoid/internal/storage"
)

func main() {
	// Database path from $REPORTOID_DB or the default
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if len(os.Args) > 1 {
		cfg.Database.Path = os.Args[1]
	}

	fmt.Printf("Checking writer lock for: %s\n", cfg.Database.Path)

	lock, removed, err := storage.ClearStaleWriterLock(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error during cleanup: %v\n", err)
		os.Exit(1)
	}

	switch {
	case lock == nil && !removed:
		fmt.Println("✓ No writer lock found")
	case lock == nil:
		fmt.Println("✓ Removed unreadable writer lock")
	case removed:
		fmt.Printf("✓ Removed stale lock held by %s (PID %d on %s since %s)\n",
			lock.Holder, lock.PID, lock.Hostname, lock.StartedAt.Format(time.RFC3339))
	default:
		fmt.Printf("Lock is held by %s (PID %d on %s since %s) and was left in place\n",
			lock.Holder, lock.PID, lock.Hostname, lock.StartedAt.Format(time.RFC3339))
	}
}

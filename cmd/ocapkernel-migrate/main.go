// Command ocapkernel-migrate rewrites keys left over from a kernel
// store's legacy key-prefix scheme into pkg/kernelstore's current one,
// the same after-the-fact rename the teacher's warren-migrate performed
// on its tasks/containers BoltDB buckets, adapted here to a single
// sqlite kv table addressed by key prefix instead of separate buckets.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/ocapkernel/pkg/store"
)

var (
	dataDir    = flag.String("data-dir", "./ocapkernel-data", "Kernel data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to back up the database before migration (default: <data-dir>/ocapkernel.db.backup)")
)

// legacyPrefix named the run queue before pkg/kernelstore settled on the
// terser "rq." prefix every other table prefix now follows.
const (
	legacyPrefix = "runqueue."
	currentPrefix = "rq."
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("ocapkernel database migration tool - legacy run queue prefix")
	log.Println("=============================================================")

	dbPath := filepath.Join(*dataDir, "ocapkernel.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	db, err := store.Open(*dataDir)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := migrateRunqueuePrefix(db, *dryRun); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	if *dryRun {
		log.Println()
		log.Println("Dry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
		return
	}
	log.Println()
	log.Println("✓ Migration completed successfully!")
	log.Println("Legacy \"runqueue.\" keys have been preserved for rollback if needed.")
	log.Println("After verifying the migration, delete them with:")
	log.Printf("  ocapkernel db query \"DELETE FROM kv WHERE key LIKE 'runqueue.%%'\"")
}

func migrateRunqueuePrefix(db *store.Store, dryRun bool) error {
	type entry struct {
		key   string
		value []byte
	}
	var legacy []entry

	err := db.IteratePrefix(legacyPrefix, func(key string, value []byte) error {
		legacy = append(legacy, entry{key: key, value: value})
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan legacy run queue entries: %w", err)
	}

	if len(legacy) == 0 {
		log.Println("✓ No legacy run queue entries found - database is already on the current schema")
		return nil
	}
	log.Printf("Found %d legacy run queue entries to migrate", len(legacy))

	if dryRun {
		log.Println()
		log.Println("[DRY RUN] Would perform the following operations:")
		log.Printf("1. Copy %d entries from %q keys to %q keys\n", len(legacy), legacyPrefix, currentPrefix)
		log.Println("2. Preserve the legacy keys for rollback")
		return nil
	}

	log.Println()
	log.Println("Migrating run queue entries...")
	migrated := 0
	for _, e := range legacy {
		suffix := strings.TrimPrefix(e.key, legacyPrefix)
		newKey := currentPrefix + suffix
		if exists, err := db.Has(newKey); err != nil {
			return fmt.Errorf("check existing entry %s: %w", newKey, err)
		} else if exists {
			continue // already migrated in a prior run
		}
		if err := db.Set(newKey, e.value); err != nil {
			return fmt.Errorf("write %s: %w", newKey, err)
		}
		migrated++
		if migrated%10 == 0 {
			log.Printf("  Migrated %d/%d...", migrated, len(legacy))
		}
	}

	log.Printf("✓ Migrated %d/%d run queue entries", migrated, len(legacy))
	log.Println("✓ Preserved legacy keys for rollback")
	return nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}

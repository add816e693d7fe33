package main

import (
	"database/sql"
	"fmt"
	"log"

	"go-txpipeline/internal/config"

	_ "github.com/lib/pq"
)

// Connects to Postgres with plain database/sql, bypassing GORM, and checks
// that the hand-created partial indexes the pipeline relies on are present.
func main() {
	fmt.Println("🔍 Verifying database connection and pipeline indexes...")

	if err := config.LoadConfig(""); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	sqlDB, err := sql.Open("postgres", config.AppConfig.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	var dbName string
	if err := sqlDB.QueryRow("SELECT current_database()").Scan(&dbName); err != nil {
		log.Fatalf("Failed to get database name: %v", err)
	}
	fmt.Printf("📋 Connected to database: %s\n", dbName)

	for _, indexName := range []string{"idx_live_nonce", "idx_send_tx_hash"} {
		var def sql.NullString
		err := sqlDB.QueryRow(`
			SELECT indexdef
			FROM pg_indexes
			WHERE schemaname = 'public'
			AND tablename = 'tx_sends'
			AND indexname = $1
		`, indexName).Scan(&def)

		if err == sql.ErrNoRows {
			fmt.Printf("❌ Index %s does not exist! Run the server once to migrate.\n", indexName)
			continue
		}
		if err != nil {
			log.Fatalf("Failed to query index %s: %v", indexName, err)
		}
		fmt.Printf("✅ Index %s present\n", indexName)
		fmt.Printf("   %s\n", def.String)
	}

	var liveDupes int
	err = sqlDB.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT chain_id, nonce, signing_address
			FROM tx_sends
			WHERE replaced_by IS NULL
			GROUP BY chain_id, nonce, signing_address
			HAVING COUNT(*) > 1
		) d
	`).Scan(&liveDupes)
	if err != nil {
		log.Fatalf("Failed to check live nonce duplicates: %v", err)
	}

	if liveDupes > 0 {
		fmt.Printf("❌ Found %d duplicated live nonce slot(s)! Manual cleanup required.\n", liveDupes)
	} else {
		fmt.Println("✅ No duplicated live nonce slots")
	}
}

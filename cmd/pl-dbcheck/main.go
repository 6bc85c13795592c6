package main

import (
	"fmt"
	"log"
	"os"

	"peerlab/internal/server"
)

// Quick sanity check against a local SQLite database: lists tables and
// counts rows. Not for Postgres.
func main() {
	dbPath := os.Getenv("PL_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/peerlab.db"
	}

	db, _, err := server.OpenDB(dbPath)
	if err != nil {
		log.Fatalf("OpenDB failed: %v", err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' ORDER BY name;`)
	if err != nil {
		log.Fatalf("query failed: %v", err)
	}
	defer rows.Close()

	fmt.Println("Tables:")
	for rows.Next() {
		var name string
		_ = rows.Scan(&name)
		fmt.Println(" -", name)
	}

	var assignments, leases int
	_ = db.QueryRow(`SELECT COUNT(*) FROM asn_assignments;`).Scan(&assignments)
	_ = db.QueryRow(`SELECT COUNT(*) FROM prefix_leases;`).Scan(&leases)
	fmt.Println("ASN assignments:", assignments)
	fmt.Println("Prefix leases:", leases)
}

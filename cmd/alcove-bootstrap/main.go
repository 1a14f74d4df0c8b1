// Command alcove-bootstrap provisions what a fresh deployment needs before
// the daemons start: a server identity and, for postgres installs, the
// records table.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/alcovelabs/alcove/pkg/envelope"
	"github.com/alcovelabs/alcove/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "identity":
		return runIdentity(stdout)
	case "initdb":
		return runInitDB(args[2:])
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stdout, "unknown command: %s\n\n", args[1])
		printUsage(stdout)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: alcove-bootstrap <command> [arguments]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  identity          Generate a server identity and print it as env assignments")
	fmt.Fprintln(w, "  initdb <db_url>   Create the records table in a postgres database")
}

// runIdentity mints a fresh signing and encryption pair and emits the four
// environment values the daemons load at boot. Private keys go to stdout
// exactly once; they are never persisted here.
func runIdentity(stdout io.Writer) int {
	sign, err := envelope.GenerateSigningKeypair()
	if err != nil {
		log.Printf("generate signing keypair: %v", err)
		return 1
	}
	enc, err := envelope.GenerateEncryptionKeypair()
	if err != nil {
		log.Printf("generate encryption keypair: %v", err)
		return 1
	}

	log.Println("[bootstrap] new server identity (store the private keys in your secret manager)")
	fmt.Fprintf(stdout, "SERVER_IDENTITY_PUBLIC_KEY_HEX=%s\n", sign.PublicHex)
	fmt.Fprintf(stdout, "SERVER_IDENTITY_PRIVATE_KEY_PEM=%q\n", sign.PrivatePEM)
	fmt.Fprintf(stdout, "SERVER_ENCRYPTION_PUBLIC_KEY_HEX=%s\n", enc.PublicHex)
	fmt.Fprintf(stdout, "SERVER_ENCRYPTION_PRIVATE_KEY_PEM=%q\n", enc.PrivatePEM)
	return 0
}

// runInitDB creates the records table, matching what alcove-node does at
// boot. Running it ahead of time lets the daemon start under a role without
// DDL rights.
func runInitDB(args []string) int {
	if len(args) < 1 {
		log.Println("initdb requires a database URL")
		return 2
	}
	dbURL := args[0]
	tablePrefix := os.Getenv("TABLE_PREFIX")

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Printf("open db: %v", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Println("[bootstrap] initializing records table...")
	if _, err := store.NewPostgres(ctx, db, tablePrefix); err != nil {
		log.Printf("init records table: %v", err)
		return 1
	}
	log.Println("[bootstrap] records table ready")
	return 0
}

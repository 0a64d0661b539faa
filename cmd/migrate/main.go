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

	_ "modernc.org/sqlite"

	"github.com/Radvylf/npsp2/internal/storage"
	"github.com/Radvylf/npsp2/migrations"
)

var errNotSeen = errors.New("not seen")

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/npsp.db"), "path to sqlite database")
	retention := flag.Duration("retention", storage.DefaultRetention, "prune: keep seen items newer than this")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cmd := args[0]
	var err error
	switch cmd {
	case "prune":
		err = prune(ctx, *dbPath, *retention)
	case "seen":
		if len(args) != 4 {
			log.Fatalf("usage: migrate seen <room> <feed_key> <item_id>")
		}
		err = seen(ctx, *dbPath, args[1], args[2], args[3])
	default:
		err = migrate(*dbPath, cmd)
	}

	if errors.Is(err, errNotSeen) {
		os.Exit(2)
	}
	if errors.Is(err, migrations.ErrUnknownCommand) {
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func migrate(dbPath, cmd string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	return migrations.Apply(db, cmd)
}

// prune drops seen items older than retention, as the bot does on start.
func prune(ctx context.Context, dbPath string, retention time.Duration) error {
	store, err := storage.NewSQLite(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.PruneSeen(ctx, time.Now().Add(-retention))
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d seen items older than %s\n", n, retention)
	return nil
}

// seen reports whether an item was already announced (or seeded) in a room.
func seen(ctx context.Context, dbPath, room, feedKey, itemID string) error {
	store, err := storage.NewSQLite(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ok, err := store.IsSeen(ctx, room, feedKey, itemID)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("%s/%s not seen in %s\n", feedKey, itemID, room)
		return errNotSeen
	}
	fmt.Printf("%s/%s seen in %s\n", feedKey, itemID, room)
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-db path] [-retention 168h] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Schema commands:")
	for _, c := range migrations.Commands {
		fmt.Fprintf(os.Stderr, "  %-10s  %s\n", c.Name, c.Help)
	}
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Seen-item commands:")
	fmt.Fprintln(os.Stderr, "  prune                              Delete seen items older than -retention")
	fmt.Fprintln(os.Stderr, "  seen <room> <feed_key> <item_id>   Exit 0 if the item was seen in room, 2 if not")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

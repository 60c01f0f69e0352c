// Command recovery-scenario reproduces a crash after a failed WAL flush.
//
//	recovery-scenario setup  -dir DIR   # write, break the log, then SIGKILL itself
//	recovery-scenario verify -dir DIR   # reopen and check what survived
//
// setup never returns normally; verify exits non-zero when the recovered
// state is not exactly the one durable document.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/engine"
	"github.com/INLOpen/nexusdoc/failpoint"
)

const (
	collectionName = "UnitTestsRecovery"
	crashKey       = "crashme"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	dir := fs.String("dir", "", "Data directory for the scenario.")
	verbose := fs.Bool("v", false, "Log engine activity to stderr.")
	fs.Parse(os.Args[2:])
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "Error: -dir is required.")
		fs.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	opts := engine.Options{DataDir: *dir, WALSyncMode: core.WALSyncInterval, Logger: logger}

	var err error
	switch os.Args[1] {
	case "setup":
		err = setup(context.Background(), opts, killSelf)
	case "verify":
		err = verify(context.Background(), opts)
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
	fmt.Printf("%s ok\n", os.Args[1])
}

func printUsage() {
	fmt.Println("Usage: recovery-scenario <setup|verify> -dir DIR [-v]")
}

// killSelf ends the process with SIGKILL so nothing is flushed on the way out.
func killSelf(*engine.DB) error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return err
	}
	if err := p.Kill(); err != nil {
		return err
	}
	select {}
}

// setup arms the datafile and logfile fail points while a log segment is
// still open, so the first insert lands in it. The flush that follows seals
// that segment and then fails to get a new one, and the synchronous insert
// after it fails too. The still open database is handed to crash.
func setup(ctx context.Context, opts engine.Options, crash func(*engine.DB) error) error {
	db, err := engine.Open(ctx, opts)
	if err != nil {
		return err
	}
	if _, err := db.CreateCollection(ctx, collectionName, engine.WriteOptions{}); err != nil {
		return err
	}
	if err := db.Flush(ctx, true, true); err != nil {
		return fmt.Errorf("initial flush: %w", err)
	}

	db.SetFaultPoint(failpoint.CreateDatafile)
	db.SetFaultPoint(failpoint.GetWritableLogfile)
	if _, err := db.Insert(ctx, collectionName, "", []byte(`{"value": 1}`), engine.WriteOptions{}); err != nil {
		return fmt.Errorf("insert into the open segment: %w", err)
	}
	if err := db.Flush(ctx, false, false); err == nil {
		return fmt.Errorf("flush succeeded with fail points armed")
	}
	sync := engine.WriteOptions{WaitForSync: true}
	if _, err := db.Insert(ctx, collectionName, crashKey, []byte(`{}`), sync); err == nil {
		return fmt.Errorf("insert of %q succeeded without a writable logfile", crashKey)
	}
	return crash(db)
}

func verify(ctx context.Context, opts engine.Options) error {
	db, err := engine.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	defer db.Close()

	count, err := db.Count(collectionName)
	if err != nil {
		return err
	}
	if count != 1 {
		return fmt.Errorf("expected 1 document after recovery, found %d", count)
	}
	if _, err := db.Get(ctx, collectionName, crashKey); err == nil {
		return fmt.Errorf("document %q survived although its write failed", crashKey)
	}
	res := db.RecoveryResult()
	fmt.Printf("recovered: last_seq=%d replayed=%d truncated_bytes=%d\n", res.LastSeq, res.EntriesReplayed, res.TruncatedBytes)
	return nil
}

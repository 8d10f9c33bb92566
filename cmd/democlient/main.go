package main

import (
	"bufio"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	userbase "github.com/venkatvb/userbase"
	ubcrypto "github.com/venkatvb/userbase/internal/crypto"
	"github.com/venkatvb/userbase/internal/localstore"
	"github.com/venkatvb/userbase/internal/platform"
	"github.com/venkatvb/userbase/internal/transport"
)

// envConfig is the demo binary's own environment-variable config, loaded
// with caarlos0/env. The library core never reads the environment itself;
// only this command does.
type envConfig struct {
	ServerURL      string        `env:"USERBASE_SERVER_URL"`
	AppID          string        `env:"USERBASE_APP_ID" envDefault:"demo-app"`
	StoreDir       string        `env:"USERBASE_STORE_DIR"`
	RequestTimeout time.Duration `env:"USERBASE_REQUEST_TIMEOUT" envDefault:"10s"`
	ConnectTimeout time.Duration `env:"USERBASE_CONNECT_TIMEOUT" envDefault:"10s"`
	UseKeychain    bool          `env:"USERBASE_USE_KEYCHAIN" envDefault:"false"`
}

func main() {
	if err := platform.DisableCoreDumps(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not disable core dumps:", err)
	}

	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		dieIf(fmt.Errorf("parse env config: %w", err))
	}

	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	runURL := runCmd.String("url", cfg.ServerURL, "websocket URL of a userbase-compatible server")
	runApp := runCmd.String("app", cfg.AppID, "application id")
	runUser := runCmd.String("user", "", "username")
	runDB := runCmd.String("db", "notes", "database name to open")
	runStore := runCmd.String("store", cfg.StoreDir, "directory to persist the device seed in (empty: memory only)")
	runKeychain := runCmd.Bool("keychain", cfg.UseKeychain, "route the device seed through a platform.Keychain instead of the store file")

	demoCmd := flag.NewFlagSet("demo", flag.ExitOnError)
	demoDB := demoCmd.String("db", "notes", "database name to open")

	if len(os.Args) < 2 {
		usage()
		return
	}

	switch os.Args[1] {
	case "run":
		_ = runCmd.Parse(os.Args[2:])
		dieIf(cmdRun(*runURL, *runApp, *runUser, *runDB, *runStore, *runKeychain, cfg.RequestTimeout, cfg.ConnectTimeout))
	case "demo":
		_ = demoCmd.Parse(os.Args[2:])
		dieIf(cmdDemo(*demoDB))
	default:
		usage()
	}
}

func usage() {
	fmt.Print(`democlient commands:

  run  --url wss://host/ws --app app-id --user alice --db notes [--store ./devicestate] [--keychain]
  demo [--db notes]

Environment (overridden by flags where both exist):
  USERBASE_SERVER_URL, USERBASE_APP_ID, USERBASE_STORE_DIR,
  USERBASE_REQUEST_TIMEOUT, USERBASE_CONNECT_TIMEOUT, USERBASE_USE_KEYCHAIN

Examples:
  democlient run --url ws://localhost:8080/ws --user alice --db notes --store ./alice-device
  democlient demo
`)
}

// cmdRun dials a real server over WebSocket, connects as user, opens db,
// and drops into an interactive REPL over the open database.
func cmdRun(url, appID, user, db, storeDir string, useKeychain bool, requestTimeout, connectTimeout time.Duration) error {
	if url == "" || user == "" {
		return fmt.Errorf("--url and --user are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ws, err := transport.DialWebSocket(ctx, url, http.Header{})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	store, err := openStore(storeDir, useKeychain)
	if err != nil {
		return err
	}

	serverPub, err := serverPublicKeyFromURL(url)
	if err != nil {
		return err
	}
	provider := ubcrypto.NewProvider(serverPub)

	conn := userbase.NewConnection(ws, provider, store, stdinPrompter{}, userbase.Config{
		AppID:          appID,
		RequestTimeout: requestTimeout,
		ConnectTimeout: connectTimeout,
	})

	fmt.Println("connecting as", user, "...")
	if err := conn.Connect(ctx, user); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	fmt.Println("connected, state:", conn.State())

	database, err := conn.OpenDatabase(context.Background(), db, func(items []userbase.Entry) {
		fmt.Printf("\n[%s updated: %d items]\n> ", db, len(items))
	})
	if err != nil {
		return fmt.Errorf("open database %q: %w", db, err)
	}
	fmt.Printf("opened %q\n", db)

	return repl(database)
}

// repl implements a tiny line-oriented shell over one open Database:
//
//	insert <id> <json>
//	update <id> <json>
//	delete <id>
//	list
//	quit
func repl(db *userbase.Database) error {
	ctx := context.Background()
	sc := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		fields := strings.SplitN(line, " ", 3)
		switch fields[0] {
		case "":
		case "list":
			printItems(db.GetItems())
		case "insert":
			if len(fields) < 3 {
				fmt.Println("usage: insert <id> <json>")
				break
			}
			var record json.RawMessage
			if err := json.Unmarshal([]byte(fields[2]), &record); err != nil {
				fmt.Println("invalid json:", err)
				break
			}
			if err := db.Insert(ctx, fields[1], record); err != nil {
				fmt.Println("insert failed:", err)
			}
		case "update":
			if len(fields) < 3 {
				fmt.Println("usage: update <id> <json>")
				break
			}
			var record json.RawMessage
			if err := json.Unmarshal([]byte(fields[2]), &record); err != nil {
				fmt.Println("invalid json:", err)
				break
			}
			if err := db.Update(ctx, fields[1], record); err != nil {
				fmt.Println("update failed:", err)
			}
		case "delete":
			if len(fields) < 2 {
				fmt.Println("usage: delete <id>")
				break
			}
			if err := db.Delete(ctx, fields[1]); err != nil {
				fmt.Println("delete failed:", err)
			}
		case "quit", "exit":
			return nil
		default:
			fmt.Println("unknown command:", fields[0])
		}
		fmt.Print("> ")
	}
	return sc.Err()
}

func printItems(items []userbase.Entry) {
	for _, it := range items {
		fmt.Printf("  %s: %s\n", it.ItemID, string(it.Record))
	}
}

func openStore(dir string, useKeychain bool) (localstore.Store, error) {
	if dir == "" {
		return localstore.NewMemoryStore(), nil
	}
	if useKeychain {
		return localstore.NewFileStoreWithKeychain(dir, platform.NewKeychain())
	}
	return localstore.NewFileStore(dir)
}

// serverPublicKeyFromURL is a placeholder for how a real host obtains the
// server's compiled-in DH public key (normally baked in at build time
// alongside the server URL, not derived from it). It returns a freshly
// generated ephemeral key whose private half no server holds, so with it
// ValidateKey fails against any real server; replace this with the real
// deployment's pinned key.
func serverPublicKeyFromURL(string) (*ecdh.PublicKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return priv.PublicKey(), nil
}

// stdinPrompter is a minimal Prompter that reads from the terminal, so
// `run` can complete device pairing and grant acceptance interactively.
type stdinPrompter struct{}

func (stdinPrompter) PromptForSeed(ctx context.Context, fingerprint string) (string, bool) {
	fmt.Printf("\nthis device needs the account seed. its own fingerprint is %s\npaste seed (base64), or leave blank to cancel: ", fingerprint)
	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		return "", false
	}
	seed := strings.TrimSpace(sc.Text())
	return seed, seed != ""
}

func (stdinPrompter) ConfirmFingerprint(ctx context.Context, purpose, fingerprint string) bool {
	fmt.Printf("\nconfirm %s for peer fingerprint %s? [y/N] ", purpose, fingerprint)
	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(sc.Text()))
	return answer == "y" || answer == "yes"
}

func dieIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

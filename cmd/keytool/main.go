// Command keytool manages offline backups of the PHI encryption keys and
// runs rotation sweeps. Backups are ASCII-armored GPG messages sealed with a
// passphrase; together they restore decryption of everything ever written.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/pazpaz/backend/internal/crypto"
	"github.com/pazpaz/backend/internal/store"
)

const version = "1.0.0"

// maxKeyVersions bounds environment discovery during export.
const maxKeyVersions = 99

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "export":
		cmdExport(os.Args[2:])
	case "restore":
		cmdRestore(os.Args[2:])
	case "verify":
		cmdVerify(os.Args[2:])
	case "reencrypt":
		cmdReencrypt(os.Args[2:])
	case "version":
		fmt.Printf("keytool v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`PHI key management v` + version + `

Usage: keytool <command> [flags]

Commands:
  export     Write a passphrase-encrypted backup of the keys in the environment
  restore    Decrypt a backup and print the keys as environment assignments
  verify     Decrypt a backup and report its contents without printing keys
  reencrypt  Rewrite stored PHI under the active key version
  version    Print version
  help       Show this help

Environment:
  PHI_KEY_ENV_PREFIX      Key variable prefix (default: "PHI_DEK_")
  PHI_ACTIVE_KEY_VERSION  Active (write) key version (default: 1)
  PHI_BACKUP_PASSPHRASE   Passphrase sealing and opening backups
  DATABASE_URL            Postgres DSN (reencrypt only)

Examples:
  keytool export --out phi-keys.asc
  keytool verify --in phi-keys.asc
  keytool restore --in phi-keys.asc > restore.env
  keytool reencrypt --batch 200`)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func passphrase() []byte {
	p := os.Getenv("PHI_BACKUP_PASSPHRASE")
	if p == "" {
		fatalf("PHI_BACKUP_PASSPHRASE is not set")
	}
	return []byte(p)
}

func keyPrefix() string {
	if p := os.Getenv("PHI_KEY_ENV_PREFIX"); p != "" {
		return p
	}
	return "PHI_DEK_"
}

func activeVersion() int {
	if v := os.Getenv("PHI_ACTIVE_KEY_VERSION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			fatalf("PHI_ACTIVE_KEY_VERSION must be a positive integer, got %q", v)
		}
		return n
	}
	return 1
}

// ----------------------------------------------------------------
// export
// ----------------------------------------------------------------

func cmdExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", "", "Output file (default: stdout)")
	fs.Parse(args)

	prefix := keyPrefix()
	source := crypto.NewEnvKeySource(prefix)

	keys := make(map[int][]byte)
	for v := 1; v <= maxKeyVersions; v++ {
		key, err := source.Key(context.Background(), v)
		if err != nil {
			continue
		}
		keys[v] = key
	}
	if len(keys) == 0 {
		fatalf("no %sV* variables found in the environment", prefix)
	}

	active := activeVersion()
	if _, ok := keys[active]; !ok {
		fatalf("active key v%d is not present in the environment", active)
	}

	w := os.Stdout
	if *out != "" {
		f, err := os.OpenFile(*out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			fatalf("create %s: %v", *out, err)
		}
		defer f.Close()
		w = f
	}

	if err := crypto.WriteBackup(w, passphrase(), active, keys); err != nil {
		fatalf("write backup: %v", err)
	}

	versions := sortedVersions(keys)
	fmt.Fprintf(os.Stderr, "Exported %d key(s) %v, active v%d\n", len(keys), versions, active)
	fmt.Fprintln(os.Stderr, "Store the backup and the passphrase separately.")
}

// ----------------------------------------------------------------
// restore
// ----------------------------------------------------------------

func cmdRestore(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	in := fs.String("in", "", "Backup file to restore from")
	fs.Parse(args)

	source, active := openBackup(*in)
	prefix := keyPrefix()

	// Assignments go to stdout so they can be redirected into an env file;
	// everything else goes to stderr.
	for _, v := range sortedVersions(source) {
		fmt.Printf("%sV%d=%s\n", prefix, v, base64.StdEncoding.EncodeToString(source[v]))
	}
	fmt.Printf("PHI_ACTIVE_KEY_VERSION=%d\n", active)
	fmt.Fprintf(os.Stderr, "Restored %d key(s), active v%d\n", len(source), active)
}

// ----------------------------------------------------------------
// verify
// ----------------------------------------------------------------

func cmdVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	in := fs.String("in", "", "Backup file to verify")
	fs.Parse(args)

	source, active := openBackup(*in)

	fmt.Printf("Backup OK: %d key(s), versions %v, active v%d\n",
		len(source), sortedVersions(source), active)
	if _, ok := source[active]; !ok {
		fatalf("backup does not contain its own active version v%d", active)
	}
}

func openBackup(path string) (crypto.StaticKeySource, int) {
	if path == "" {
		fatalf("--in is required")
	}
	f, err := os.Open(path)
	if err != nil {
		fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	source, active, err := crypto.ReadBackup(f, passphrase())
	if err != nil {
		fatalf("read backup: %v", err)
	}
	return source, active
}

// ----------------------------------------------------------------
// reencrypt
// ----------------------------------------------------------------

func cmdReencrypt(args []string) {
	fs := flag.NewFlagSet("reencrypt", flag.ExitOnError)
	batch := fs.Int("batch", 100, "Rows per batch")
	fs.Parse(args)

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		fatalf("DATABASE_URL is not set")
	}

	ring, err := crypto.NewKeyring(crypto.NewEnvKeySource(keyPrefix()), activeVersion())
	if err != nil {
		fatalf("keyring: %v", err)
	}

	db, err := store.Open(dsn)
	if err != nil {
		fatalf("connect: %v", err)
	}
	defer db.Close()

	fmt.Printf("Rewriting PHI under key v%d...\n", ring.ActiveVersion())
	start := time.Now()

	result, err := store.NewRotator(db, crypto.NewCodec(ring)).Sweep(context.Background(), *batch)
	if err != nil {
		fatalf("sweep failed after %d row(s) (%d rewritten): %v",
			result.Scanned, result.Rewritten, err)
	}

	fmt.Printf("Done: %d row(s) scanned, %d rewritten in %s\n",
		result.Scanned, result.Rewritten, time.Since(start).Round(time.Millisecond))
	if result.Rewritten == 0 {
		fmt.Println("All rows already carry the active key version.")
	}
}

func sortedVersions(keys map[int][]byte) []int {
	versions := make([]int, 0, len(keys))
	for v := range keys {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}

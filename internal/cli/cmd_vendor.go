package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	ilog "github.com/Sdiabate1337/Djula-ai/internal/log"
	"github.com/Sdiabate1337/Djula-ai/internal/phone"
	"github.com/Sdiabate1337/Djula-ai/internal/registry"
	"github.com/Sdiabate1337/Djula-ai/internal/store/sqlite"
)

func runVendorAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: djula vendor <add|list> [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return runVendorAdd(ctx, args[1:])
	case "list":
		return runVendorList(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown vendor command:", args[0])
		return 2
	}
}

func runVendorAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("vendor-add", flag.ContinueOnError)
	var dbPath, authDir, login, name, phoneNumber string
	fs.StringVar(&dbPath, "db", envOr("DJULA_DB_PATH", "./djula.db"), "sqlite db path")
	fs.StringVar(&authDir, "auth-dir", envOr("DJULA_AUTH_DIR", "./vendors_auth"), "credential material base directory")
	fs.StringVar(&login, "login", "", "vendor login")
	fs.StringVar(&name, "name", "", "vendor display name")
	fs.StringVar(&phoneNumber, "phone", "", "vendor phone number")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if phoneNumber != "" && !phone.IsValid(phoneNumber) {
		fmt.Fprintln(os.Stderr, "vendor add error: invalid phone number:", phoneNumber)
		return 2
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	reg := registry.New(store, authDir, ilog.New("warn"))
	v, err := reg.Register(ctx, login, name, phoneNumber)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vendor add error:", err)
		return 1
	}
	fmt.Println("id:", v.ID)
	fmt.Println("login:", v.Login)
	fmt.Println("name:", v.Name)
	if v.PhoneNumber != "" {
		fmt.Println("phone:", v.PhoneNumber)
	}
	return 0
}

func runVendorList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("vendor-list", flag.ContinueOnError)
	var dbPath string
	fs.StringVar(&dbPath, "db", envOr("DJULA_DB_PATH", "./djula.db"), "sqlite db path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	vendors, err := store.ListVendors(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list vendors:", err)
		return 1
	}
	for _, v := range vendors {
		lastSeen := "-"
		if v.LastConnection != nil {
			lastSeen = v.LastConnection.Format("2006-01-02T15:04:05Z")
		}
		fmt.Printf("%s\t%s\t%s\t%s\tlast_connection=%s\n", v.ID, v.Login, v.Status, v.PhoneNumber, lastSeen)
	}
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

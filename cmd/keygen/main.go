// Command keygen issues an API key for the gateway and prints it once.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/LeventeLantos/messaging-gateway/internal/auth"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
)

func main() {
	_ = godotenv.Load()

	name := flag.String("name", "", "key name (required)")
	perms := flag.String("perms", "", "comma separated permissions, e.g. whatsapp:send,status:read")
	rate := flag.Int("rate", 0, "requests per hour, 0 for unlimited")
	ttl := flag.Duration("ttl", 0, "key lifetime, 0 for no expiry")
	flag.Parse()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "POSTGRES_URL is required")
		os.Exit(2)
	}

	if err := run(dsn, auth.KeySpec{
		Name:        *name,
		Permissions: splitPerms(*perms),
		RateLimit:   *rate,
		TTL:         *ttl,
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(dsn string, spec auth.KeySpec) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := repo.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := repo.Migrate(ctx, pool); err != nil {
		return err
	}

	raw, k, err := auth.IssueAPIKey(ctx, repo.NewPostgresAPIKeyRepo(pool), spec, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("id:  %s\nkey: %s\n", k.ID, raw)
	return nil
}

func splitPerms(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

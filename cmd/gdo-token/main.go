// Command gdo-token mints a bearer token for the local HTTP API.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/micro-ha/ryobi-gdo/addon/internal/auth"
	"github.com/micro-ha/ryobi-gdo/addon/internal/config"
)

func main() {
	subject := flag.String("subject", "homeassistant", "token subject")
	expiry := flag.Duration("expiry", auth.DefaultExpiry, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.APITokenSecret == "" {
		fmt.Fprintln(os.Stderr, "API_TOKEN_SECRET is not configured")
		os.Exit(1)
	}
	token, err := auth.Mint(cfg.APITokenSecret, *subject, *expiry, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}

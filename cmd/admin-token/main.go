// Command admin-token prints a signed admin API token for the subject given
// as the first argument, using auth.jwt_secret from the usual configuration.
package main

import (
	"fmt"
	"os"

	"github.com/alertrelay/alertrelay/pkg/auth"
	"github.com/alertrelay/alertrelay/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: admin-token <subject> [scope,...]")
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	scope := ""
	if len(os.Args) > 2 {
		scope = os.Args[2]
	}
	tokens := auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	token, err := tokens.GenerateToken(os.Args[1], scope)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}

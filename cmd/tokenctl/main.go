// tokenctl issues, revokes and lists gateway tokens against the
// configured store. The raw token value is printed exactly once at
// issuance; only its hash is persisted.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/promptgate/promptgate/internal/auth"
	"github.com/promptgate/promptgate/internal/shared/database"
)

var (
	issueSubject   string
	issueScopes    []string
	issueExpiresIn time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "tokenctl",
	Short:        "Manage promptgate API tokens",
	SilenceUsage: true,
}

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a new token",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openStore()
		if err != nil {
			return err
		}
		defer cleanup()

		raw, err := generateToken()
		if err != nil {
			return err
		}

		tok := &auth.Token{
			ID:        uuid.NewString(),
			Hash:      auth.HashCredential(raw),
			Subject:   issueSubject,
			CreatedAt: time.Now().UTC(),
		}
		for _, s := range issueScopes {
			tok.Scopes = append(tok.Scopes, auth.Scope(strings.TrimSpace(s)))
		}
		if len(tok.Scopes) == 0 {
			tok.Scopes = []auth.Scope{auth.ScopeRead, auth.ScopeWrite}
		}
		if issueExpiresIn > 0 {
			exp := tok.CreatedAt.Add(issueExpiresIn)
			tok.ExpiresAt = &exp
		}

		if err := store.Save(context.Background(), tok); err != nil {
			return err
		}

		fmt.Printf("token id: %s\n", tok.ID)
		fmt.Printf("token:    %s\n", raw)
		fmt.Println("store this token now; it cannot be recovered later")
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "Revoke a token (idempotent)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openStore()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := store.Revoke(context.Background(), auth.HashCredential(args[0])); err != nil {
			return err
		}
		fmt.Println("revoked")
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tokens, revoked included",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openStore()
		if err != nil {
			return err
		}
		defer cleanup()

		tokens, err := store.List(context.Background())
		if err != nil {
			return err
		}
		for _, tok := range tokens {
			state := "active"
			if tok.Revoked {
				state = "revoked"
			} else if tok.ExpiresAt != nil && time.Now().After(*tok.ExpiresAt) {
				state = "expired"
			}
			expiry := "never"
			if tok.ExpiresAt != nil {
				expiry = tok.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Printf("%s  %-8s  subject=%s scopes=%v expires=%s\n",
				tok.ID, state, tok.Subject, tok.Scopes, expiry)
		}
		return nil
	},
}

// openStore picks the backend from the environment the gateway also
// uses. The in-memory backend is useless for a CLI, so it falls back to
// the file store.
func openStore() (auth.Store, func(), error) {
	_ = godotenv.Load()

	if url := os.Getenv("DATABASE_URL"); url != "" && os.Getenv("TOKEN_STORE") == "postgres" {
		db, err := database.New(url)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	}

	path := os.Getenv("TOKEN_FILE")
	if path == "" {
		path = "tokens.json"
	}
	fs, err := auth.NewFileStore(path)
	if err != nil {
		return nil, nil, err
	}
	return fs, func() {}, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "pg_" + hex.EncodeToString(buf), nil
}

func main() {
	issueCmd.Flags().StringVar(&issueSubject, "subject", "", "owner label for the token")
	issueCmd.Flags().StringSliceVar(&issueScopes, "scopes", nil, "scopes (default read,write)")
	issueCmd.Flags().DurationVar(&issueExpiresIn, "expires-in", 0, "lifetime, e.g. 720h (default: no expiry)")
	issueCmd.MarkFlagRequired("subject")

	rootCmd.AddCommand(issueCmd, revokeCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Command seed creates fake accounts and prints a bearer token for each,
// for trying the server out locally.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/joho/godotenv"
	"github.com/npezzotti/go-messenger/internal/auth"
	"github.com/npezzotti/go-messenger/internal/config"
	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/observability"
)

const defaultAccounts = 5

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.Env)

	count := defaultAccounts
	if v := os.Getenv("GOCHAT_SEED_ACCOUNTS"); v != "" {
		if count, err = strconv.Atoi(v); err != nil || count < 1 {
			logger.Fatal().Str("value", v).Msg("GOCHAT_SEED_ACCOUNTS must be a positive number")
		}
	}

	repo, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	defer repo.Close()

	if cfg.Migrate {
		if err := repo.Migrate(); err != nil {
			logger.Fatal().Err(err).Msg("db migrate")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	faker := gofakeit.New(0)
	for created := 0; created < count; {
		params := database.CreateAccountParams{
			Username:     strings.ToLower(faker.Username()),
			DisplayName:  faker.Name(),
			EmailAddress: strings.ToLower(faker.Email()),
		}

		account, err := repo.CreateAccount(ctx, params)
		if errors.Is(err, database.ErrDuplicateKey) {
			logger.Debug().Str("username", params.Username).Msg("username taken, retrying")
			continue
		}
		if err != nil {
			logger.Fatal().Err(err).Msg("create account")
		}

		token, err := auth.Issue(cfg.SigningKey, account.Id, auth.DefaultExpiration)
		if err != nil {
			logger.Fatal().Err(err).Msg("issue token")
		}

		fmt.Printf("%d\t%s\t%s\t%s\n", account.Id, account.Username, account.DisplayName, token)
		created++
	}
}

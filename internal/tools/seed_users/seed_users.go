package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lottohub/royale/internal/dbconfig"
)

// User mirrors the JSON snapshot of demo accounts
type User struct {
	ID           string  `json:"id"`
	Username     string  `json:"username"`
	Balance      float64 `json:"balance"`
	BonusBalance float64 `json:"bonus_balance"`
}

func main() {
	// 1) Load the JSON snapshot
	data, err := os.ReadFile("internal/assets/users.json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "read JSON: %v\n", err)
		os.Exit(1)
	}
	var accounts []User
	if err := json.Unmarshal(data, &accounts); err != nil {
		fmt.Fprintf(os.Stderr, "unmarshal JSON: %v\n", err)
		os.Exit(1)
	}

	// 2) Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 3) Upsert and count
	var (
		total    = len(accounts)
		inserted int
		skipped  int
		errs     int
	)

	for _, u := range accounts {
		cmdTag, err := pool.Exec(context.Background(), `
            INSERT INTO users (id, username, balance, bonus_balance)
            VALUES ($1, $2, $3, $4)
            ON CONFLICT (username) DO NOTHING
        `,
			u.ID, u.Username, u.Balance, u.BonusBalance,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error inserting user %s: %v\n", u.Username, err)
			errs++
			continue
		}
		if cmdTag.RowsAffected() == 1 {
			inserted++
		} else {
			skipped++
		}
	}

	// 4) Print summary
	fmt.Printf(
		"Users seed complete: %d total, %d inserted, %d skipped, %d errors\n",
		total, inserted, skipped, errs,
	)
}

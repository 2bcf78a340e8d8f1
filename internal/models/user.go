package models

import (
	"time"

	"github.com/google/uuid"
)

// User carries the two balances the game touches: the primary (rub) balance
// tickets are debited from and winnings credited to, and the bonus balance
// cashback accrues on.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Balance      float64   `json:"balance"`
	BonusBalance float64   `json:"bonus_balance"`
	CreatedAt    time.Time `json:"created_at"`
}

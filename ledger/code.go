package ledger

import (
	"context"
	"crypto/rand"
	"fmt"
)

// Unambiguous uppercase alphabet: no 0/O, 1/I.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	confirmationCodeLength   = 6
	confirmationCodeAttempts = 8
)

func randomCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// newConfirmationCode draws codes until one is unused within the tenant.
// The existence check runs inside the caller's atomic block, so a
// concurrent confirm that takes the same code forces a conflict.
func newConfirmationCode(ctx context.Context, tx Tx, businessID string) (string, error) {
	for i := 0; i < confirmationCodeAttempts; i++ {
		code, err := randomCode(confirmationCodeLength)
		if err != nil {
			return "", fmt.Errorf("generate confirmation code: %w", err)
		}
		exists, err := tx.ConfirmationCodeExists(ctx, businessID, code)
		if err != nil {
			return "", fmt.Errorf("check confirmation code: %w", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("no free confirmation code after %d attempts", confirmationCodeAttempts)
}

package sharer

import (
	"fmt"
	"math/rand"
)

// Password strategies for share receive codes.
const (
	PasswordKeepInitial   = "keep_initial"
	PasswordFixed         = "fixed"
	PasswordRandomList    = "random_list"
	PasswordEmpty         = "empty"
	PasswordRandom        = "random_generate"
	passwordLength        = 4
	passwordAlphabet      = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// resolvePassword picks the receive code for a new share. keep_initial
// returns (initial, false): the drive-assigned code stays and no update is
// needed for the password alone.
func resolvePassword(strategy, value string, list []string, initial string) (code string, override bool, err error) {
	switch strategy {
	case PasswordKeepInitial, "":
		return initial, false, nil
	case PasswordFixed:
		if len(value) != passwordLength {
			return "", false, fmt.Errorf("fixed password must be %d characters", passwordLength)
		}
		return value, true, nil
	case PasswordRandomList:
		valid := list[:0:0]
		for _, p := range list {
			if len(p) == passwordLength {
				valid = append(valid, p)
			}
		}
		if len(valid) == 0 {
			return "", false, fmt.Errorf("password list has no %d-character entries", passwordLength)
		}
		return valid[rand.Intn(len(valid))], true, nil
	case PasswordEmpty:
		return "", true, nil
	case PasswordRandom:
		return randomPassword(passwordLength), true, nil
	default:
		return "", false, fmt.Errorf("unknown password strategy %q", strategy)
	}
}

func randomPassword(length int) string {
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = passwordAlphabet[rand.Intn(len(passwordAlphabet))]
	}
	return string(buf)
}

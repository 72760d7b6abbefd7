package syncer

import (
	"errors"
	"fmt"
)

var (
	ErrNotConfigured = errors.New("remote sync is not configured")
	ErrRemote        = errors.New("remote request failed")
	ErrParse         = errors.New("remote document could not be parsed")
	ErrConflict      = errors.New("remote branch kept moving")
)

func remoteErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrRemote, err)
}

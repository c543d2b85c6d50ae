package domain

import "errors"

var (
	ErrInvalidDate         = errors.New("invalid date, expected YYYY-MM-DD")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrUnknownJobType      = errors.New("unknown job type")
	ErrInvalidPayload      = errors.New("invalid job payload")
)

package exchange

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind is the coarse failure taxonomy the engine reacts to.
// Anything transient is retried with bounded backoff; insufficient margin
// backs the side off for one cycle; rejections skip the level; auth
// failures stop the session.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindInsufficientMargin
	KindRejected
	KindAuth
)

// APIError is a venue rejection with its original code preserved.
type APIError struct {
	Venue string
	Code  string
	Msg   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: code=%s, msg=%s", e.Venue, e.Code, e.Msg)
}

// Venue error codes that mean "not enough margin/funds".
// Binance: -2019 margin insufficient, -4164 min notional (treated as
// rejection, listed for clarity). OKX: 51008 insufficient balance.
var insufficientCodes = map[string]bool{
	"-2019": true,
	"51008": true,
	"51119": true,
}

// Codes that mean the key/signature is bad; no point retrying.
var authCodes = map[string]bool{
	"-2014": true, // binance bad api key format
	"-2015": true, // binance invalid key/ip/permissions
	"-1022": true, // binance bad signature
	"50111": true, // okx invalid key
	"50113": true, // okx invalid signature
	"50114": true, // okx invalid passphrase
}

// Classify maps an adapter error into the engine's taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case authCodes[apiErr.Code]:
			return KindAuth
		case insufficientCodes[apiErr.Code]:
			return KindInsufficientMargin
		default:
			if kindFromMessage(apiErr.Msg) == KindInsufficientMargin {
				return KindInsufficientMargin
			}
			if isRateLimitCode(apiErr.Code) {
				return KindTransient
			}
			return KindRejected
		}
	}

	return kindFromMessage(err.Error())
}

func kindFromMessage(msg string) ErrorKind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "insufficient") || strings.Contains(m, "margin is insufficient"):
		return KindInsufficientMargin
	case strings.Contains(m, "api-key") || strings.Contains(m, "signature") ||
		strings.Contains(m, "unauthorized") || strings.Contains(m, "invalid passphrase"):
		return KindAuth
	case strings.Contains(m, "timeout") || strings.Contains(m, "connection") ||
		strings.Contains(m, "too many requests") || strings.Contains(m, "rate limit") ||
		strings.Contains(m, "eof") || strings.Contains(m, "temporarily unavailable"):
		return KindTransient
	default:
		return KindRejected
	}
}

func isRateLimitCode(code string) bool {
	// binance -1003, okx 50011
	return code == "-1003" || code == "50011"
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return err != nil && Classify(err) == KindAuth
}

// IsInsufficientMargin reports whether err means not enough funds/margin.
func IsInsufficientMargin(err error) bool {
	return err != nil && Classify(err) == KindInsufficientMargin
}

// Retry runs fn up to attempts times with linearly growing delay.
// Only transient errors are retried; everything else returns immediately.
func Retry(attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if Classify(err) != KindTransient {
			return err
		}
		if i < attempts-1 {
			time.Sleep(delay * time.Duration(i+1))
		}
	}
	return err
}

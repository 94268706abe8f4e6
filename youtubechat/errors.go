package youtubechat

import (
	"errors"
	"strings"

	"google.golang.org/api/googleapi"
)

// ErrNoLiveBroadcast is returned by ResolveTarget when the channel has no
// active live broadcast to attach to.
var ErrNoLiveBroadcast = errors.New("no active live broadcast")

// ErrorClass drives the retry policies: transient errors are retried within
// the ingestion loop's failure budget, auth errors trigger a credential
// refresh, fatal errors are surfaced without retry.
type ErrorClass int

const (
	ErrorClassTransient ErrorClass = iota
	ErrorClassAuth
	ErrorClassFatal
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassAuth:
		return "auth"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps YouTube API and transport errors into the retry taxonomy.
//
// Auth (refresh-and-retry once):
// - 401 responses, invalid credentials, expired or revoked tokens
// - 403 responses that are not quota related
//
// Transient (retry within budget):
// - quota / rate limit 403s and 429s
// - 5xx server errors
// - network failures (reset, timeout, DNS, EOF)
//
// Fatal (no retry):
// - 404s, disabled or ended live chats, invalid requests
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassTransient
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401:
			return ErrorClassAuth
		case gerr.Code == 403:
			for _, item := range gerr.Errors {
				reason := strings.ToLower(item.Reason)
				if strings.Contains(reason, "quota") || strings.Contains(reason, "ratelimit") {
					return ErrorClassTransient
				}
				if reason == "livechatdisabled" || reason == "livechatended" || reason == "forbidden" {
					return ErrorClassFatal
				}
			}
			return ErrorClassAuth
		case gerr.Code == 404 || gerr.Code == 400:
			return ErrorClassFatal
		case gerr.Code == 429 || gerr.Code >= 500:
			return ErrorClassTransient
		}
	}

	lower := strings.ToLower(err.Error())

	authPatterns := []string{
		"oauth2",
		"invalid_grant",
		"invalid credentials",
		"token expired",
		"unauthorized",
		"401",
	}
	for _, p := range authPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassAuth
		}
	}

	fatalPatterns := []string{
		"live chat ended",
		"live chat is no longer live",
		"not found",
		"404",
	}
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}

	// Network failures and everything unrecognized count against the retry
	// budget instead of aborting outright.
	return ErrorClassTransient
}

// IsAuthError reports whether the error should trigger a credential refresh.
func IsAuthError(err error) bool { return err != nil && Classify(err) == ErrorClassAuth }

// IsFatalError reports whether retrying is pointless.
func IsFatalError(err error) bool { return err != nil && Classify(err) == ErrorClassFatal }

package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/betbot/orderdesk/internal/exchange"
	"github.com/betbot/orderdesk/pkg/reqchannel"
)

// FailureCode classifies why a trade operation failed. Callers branch
// on the code, never on error strings.
type FailureCode string

const (
	CodeQuotaExceeded       FailureCode = "quota_exceeded"
	CodeNotFound            FailureCode = "not_found"
	CodeInsufficientBalance FailureCode = "insufficient_balance_or_allowance"
	CodeBelowMinimumSize    FailureCode = "below_minimum_size"
	CodeInvalidPrice        FailureCode = "invalid_price"
	CodeSignatureMismatch   FailureCode = "signature_mismatch"
	CodeUpstreamBlocked     FailureCode = "upstream_blocked"
	CodeTimeout             FailureCode = "timeout"
	CodeUnknown             FailureCode = "unknown"
)

// TradeError is the classified failure returned by the execution
// pipeline.
type TradeError struct {
	Code       FailureCode
	Hint       string
	RetryAfter time.Duration
	cause      error
}

func (e *TradeError) Error() string {
	if e.Hint != "" {
		return string(e.Code) + ": " + e.Hint
	}
	return string(e.Code)
}

func (e *TradeError) Unwrap() error { return e.cause }

// Retryable reports whether a bounded in-process retry may help. Only
// unclassified failures qualify: every named code is either terminal or
// needs caller-side correction.
func (e *TradeError) Retryable() bool { return e.Code == CodeUnknown }

func newTradeError(code FailureCode, hint string, cause error) *TradeError {
	return &TradeError{Code: code, Hint: hint, cause: cause}
}

// Classify maps an arbitrary submission failure onto the taxonomy.
// Structured errors win; message sniffing is the fallback for upstream
// replies that only carry text.
func Classify(err error) *TradeError {
	if err == nil {
		return nil
	}
	var te *TradeError
	if errors.As(err, &te) {
		return te
	}

	var qe *reqchannel.QuotaExceededError
	if errors.As(err, &qe) {
		return &TradeError{
			Code:       CodeQuotaExceeded,
			Hint:       "channel budget exhausted",
			RetryAfter: qe.RetryAfter,
			cause:      err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newTradeError(CodeTimeout, "operation timed out", err)
	}

	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 403 {
			return newTradeError(CodeUpstreamBlocked, "request blocked upstream", err)
		}
		if apiErr.StatusCode == 404 {
			return newTradeError(CodeNotFound, "resource not found", err)
		}
		if code := classifyMessage(apiErr.Message + " " + apiErr.Code); code != CodeUnknown {
			return newTradeError(code, apiErr.Message, err)
		}
		return newTradeError(CodeUnknown, apiErr.Message, err)
	}

	if code := classifyMessage(err.Error()); code != CodeUnknown {
		return newTradeError(code, err.Error(), err)
	}
	return newTradeError(CodeUnknown, err.Error(), err)
}

func classifyMessage(msg string) FailureCode {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "not enough balance") ||
		strings.Contains(m, "insufficient balance") ||
		strings.Contains(m, "allowance"):
		return CodeInsufficientBalance
	case strings.Contains(m, "minimum") || strings.Contains(m, "min size"):
		return CodeBelowMinimumSize
	case strings.Contains(m, "invalid price") || strings.Contains(m, "tick size"):
		return CodeInvalidPrice
	case strings.Contains(m, "signature") || strings.Contains(m, "sig mismatch"):
		return CodeSignatureMismatch
	case strings.Contains(m, "cloudflare") || strings.Contains(m, "blocked") ||
		strings.Contains(m, "forbidden"):
		return CodeUpstreamBlocked
	case strings.Contains(m, "not found") || strings.Contains(m, "no such market"):
		return CodeNotFound
	case strings.Contains(m, "timeout") || strings.Contains(m, "deadline exceeded"):
		return CodeTimeout
	}
	return CodeUnknown
}

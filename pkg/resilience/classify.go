package resilience

import (
	"context"
	"errors"
	"strings"
)

// Hints carries out-of-band signals into classification that the error
// string alone cannot express.
type Hints struct {
	// HTTPStatus is the response status if the failure came from an HTTP
	// call, 0 otherwise.
	HTTPStatus int
	// SubprocessTimeout forces CategorySubprocessTimeout regardless of the
	// error text (the Runner knows it killed the process).
	SubprocessTimeout bool
}

// CategoryError carries an already-classified failure through an error
// value, so retry loops that only see errors keep the original category.
type CategoryError struct {
	Category Category
	Message  string
}

func (e *CategoryError) Error() string {
	if e.Message == "" {
		return string(e.Category)
	}
	return e.Message
}

// Classify maps an error to a failure category using token rules over the
// error text plus optional hints. It is total: a nil error classifies as
// transient so callers need no special case.
func Classify(err error, hints Hints) Category {
	if hints.SubprocessTimeout {
		return CategorySubprocessTimeout
	}
	if err == nil {
		return CategoryTransient
	}
	var ce *CategoryError
	if errors.As(err, &ce) {
		return ce.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	if errors.Is(err, ErrCircuitOpen) {
		return CategoryCircuitOpen
	}

	if c, ok := classifyStatus(hints.HTTPStatus); ok {
		return c
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return CategoryRateLimit
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return CategoryTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"):
		return CategoryNetwork
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "401"), strings.Contains(msg, "403"):
		return CategoryAuth
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "400"):
		return CategoryInvalidInput
	case containsServerStatus(msg):
		return CategoryServiceError
	}
	return CategoryTransient
}

func classifyStatus(status int) (Category, bool) {
	switch {
	case status == 0:
		return "", false
	case status == 429:
		return CategoryRateLimit, true
	case status == 401 || status == 403:
		return CategoryAuth, true
	case status == 400:
		return CategoryInvalidInput, true
	case status >= 500 && status <= 599:
		return CategoryServiceError, true
	}
	return "", false
}

// containsServerStatus looks for a literal 5xx status code token in the
// message ("500", "502", "503" ...).
func containsServerStatus(msg string) bool {
	for code := 500; code <= 599; code++ {
		if strings.Contains(msg, itoa3(code)) {
			return true
		}
	}
	return false
}

func itoa3(n int) string {
	return string([]byte{byte('0' + n/100), byte('0' + (n/10)%10), byte('0' + n%10)})
}

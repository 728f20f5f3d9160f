package reliability

import "fmt"

// FailureStrategy decides what happens when a dependency on the request path
// (the rate limit window store) cannot answer.
type FailureStrategy string

const (
	FailOpen   FailureStrategy = "fail_open"
	FailClosed FailureStrategy = "fail_closed"
)

func ParseStrategy(s string) (FailureStrategy, error) {
	switch FailureStrategy(s) {
	case FailOpen:
		return FailOpen, nil
	case FailClosed, "":
		return FailClosed, nil
	}
	return "", fmt.Errorf("unknown failure strategy %q", s)
}

// ShouldAllow determines if we should proceed given an error and a strategy
func ShouldAllow(strategy FailureStrategy, err error) bool {
	if err == nil {
		return true
	}
	return strategy == FailOpen
}

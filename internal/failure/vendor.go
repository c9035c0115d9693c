package failure

import (
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
)

// statusCoder is implemented by smithy (AWS SDK) response errors.
type statusCoder interface {
	HTTPStatusCode() int
}

// statusCodeOf extracts an HTTP status from vendor SDK errors.
func statusCodeOf(err error) (int, bool) {
	var oaiAPI *openai.APIError
	if errors.As(err, &oaiAPI) && oaiAPI.HTTPStatusCode != 0 {
		return oaiAPI.HTTPStatusCode, true
	}

	var oaiReq *openai.RequestError
	if errors.As(err, &oaiReq) && oaiReq.HTTPStatusCode != 0 {
		return oaiReq.HTTPStatusCode, true
	}

	var ant *anthropic.Error
	if errors.As(err, &ant) && ant.StatusCode != 0 {
		return ant.StatusCode, true
	}

	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatusCode() != 0 {
		return sc.HTTPStatusCode(), true
	}

	return 0, false
}

// Action tells an executor what to do after a failed attempt.
type Action int

const (
	// ActionRetry retries the same provider after backoff.
	ActionRetry Action = iota
	// ActionFailover gives up on this provider and moves down the chain.
	ActionFailover
	// ActionFatal aborts the whole chain.
	ActionFatal
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFailover:
		return "failover"
	case ActionFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ActionFor determines the executor action for a failure.
func ActionFor(err error) Action {
	if err == nil {
		return ActionRetry
	}
	fe := Classify(err)
	if fe.IsCritical() {
		return ActionFatal
	}
	if fe.Code == CodeRateLimited || fe.Code == CodeCircuitOpen {
		return ActionFailover
	}
	return ActionRetry
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

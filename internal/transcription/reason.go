package transcription

import (
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type RestartReason string

const (
	ReasonAPILimit      RestartReason = "api-limit"
	ReasonTimer         RestartReason = "timer"
	ReasonStreamMissing RestartReason = "stream-missing"
	ReasonWriteFailed   RestartReason = "write-failed"
	ReasonManual        RestartReason = "manual"

	apiErrorReasonPrefix = "api-error-"
)

// limitExceededCode is what the provider returns once a stream outlives its maximum duration.
const limitExceededCode = codes.OutOfRange

func apiErrorReason(code codes.Code) RestartReason {
	return RestartReason(fmt.Sprintf("%s%d", apiErrorReasonPrefix, uint32(code)))
}

func classifyStreamError(err error) RestartReason {
	code := status.Code(err)
	if code == limitExceededCode {
		return ReasonAPILimit
	}
	return apiErrorReason(code)
}

func (r RestartReason) IsAPIError() bool {
	return strings.HasPrefix(string(r), apiErrorReasonPrefix)
}

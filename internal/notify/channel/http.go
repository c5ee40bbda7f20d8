package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/caasxyz/notification/internal/notify/errs"
)

// maxResponseBytes caps how much of a third-party response body is read for
// error reporting.
const maxResponseBytes = 64 * 1024

// retryableStatus classifies an HTTP status: 5xx and the two transient 4xx
// codes (408 Request Timeout, 429 Too Many Requests) are retryable; every
// other 4xx is permanent.
func retryableStatus(status int) bool {
	if status >= 500 {
		return true
	}
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// postJSON POSTs body to url and returns the response status and (bounded)
// body. Transport-level failures, including the client timeout, come back as
// retryable channel errors.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, errs.Channel(fmt.Sprintf("build request: %v", err), false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, SanitizeHeaderValue(v))
	}

	resp, err := client.Do(req)
	if err != nil {
		// Network errors and timeouts may succeed on a later attempt.
		return 0, nil, errs.Channel(fmt.Sprintf("request failed: %v", err), true, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, errs.Channel(fmt.Sprintf("read response: %v", err), true, err)
	}
	return resp.StatusCode, respBody, nil
}

// statusError builds the channel error for a non-2xx HTTP response.
func statusError(channel Type, status int, body []byte) error {
	return errs.Channel(
		fmt.Sprintf("%s endpoint returned HTTP %d: %s", channel, status, Truncate(string(body), 200)),
		retryableStatus(status), nil)
}

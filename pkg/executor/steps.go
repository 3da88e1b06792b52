package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/debarshibasak/coordination/pkg/boxcar"
	"go.uber.org/zap"
)

// HTTPStep sends a request without a body to url. The response body is the step's
// result; a status of 400 or above fails the step.
func HTTPStep(client *http.Client, name, method, url string) boxcar.Request {
	if client == nil {
		client = http.DefaultClient
	}
	return boxcar.Request{
		Name: name,
		Do: func(ctx context.Context) (boxcar.Result, error) {
			req, err := http.NewRequestWithContext(ctx, method, url, nil)
			if err != nil {
				return nil, err
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= http.StatusBadRequest {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				return nil, fmt.Errorf("%s %s: unexpected status %s", method, url, resp.Status)
			}
			return boxcar.Stream(resp.Body), nil
		},
	}
}

// LogStep writes message at info level and produces no result.
func LogStep(logger *zap.Logger, name, message string) boxcar.Request {
	return boxcar.Request{
		Name: name,
		Do: func(ctx context.Context) (boxcar.Result, error) {
			logger.Info(message, zap.String("step", name))
			return nil, nil
		},
	}
}

package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ResponseTooLargeError reports a body that exceeded the read limit.
type ResponseTooLargeError struct {
	URL   string
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
	}
	return fmt.Sprintf("response from %s exceeded limit of %d bytes", e.URL, e.Limit)
}

// IsResponseTooLarge reports whether err is a ResponseTooLargeError.
func IsResponseTooLarge(err error) bool {
	var limitErr ResponseTooLargeError
	return errors.As(err, &limitErr)
}

// ReadAllWithLimit reads r up to limit bytes. A limit <= 0 reads everything.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ResponseTooLargeError{Limit: limit}
	}
	return data, nil
}

// ReadResponse reads and closes resp.Body, bounded by limit.
func ReadResponse(resp *http.Response, limit int64) ([]byte, error) {
	defer resp.Body.Close()
	data, err := ReadAllWithLimit(resp.Body, limit)
	var tooLarge ResponseTooLargeError
	if errors.As(err, &tooLarge) && resp.Request != nil {
		tooLarge.URL = resp.Request.URL.Redacted()
		return nil, tooLarge
	}
	return data, err
}

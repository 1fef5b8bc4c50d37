package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func TestReadAllWithLimit(t *testing.T) {
	payload := []byte("session state")
	cases := []struct {
		name    string
		limit   int64
		tooBig  bool
		wantLen int
	}{
		{name: "exact", limit: int64(len(payload)), wantLen: len(payload)},
		{name: "unlimited", limit: 0, wantLen: len(payload)},
		{name: "over", limit: 4, tooBig: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ReadAllWithLimit(bytes.NewReader(payload), tc.limit)
			if tc.tooBig {
				if !IsResponseTooLarge(err) {
					t.Fatalf("expected ResponseTooLargeError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tc.wantLen {
				t.Fatalf("read %d bytes, want %d", len(got), tc.wantLen)
			}
		})
	}
}

func TestReadResponseNamesURL(t *testing.T) {
	target, _ := url.Parse("http://127.0.0.1:8080/api/sessions/abc")
	resp := &http.Response{
		Body:    io.NopCloser(strings.NewReader("0123456789")),
		Request: &http.Request{URL: target},
	}
	_, err := ReadResponse(resp, 3)
	if !IsResponseTooLarge(err) {
		t.Fatalf("expected ResponseTooLargeError, got %v", err)
	}
	if !strings.Contains(err.Error(), "/api/sessions/abc") {
		t.Fatalf("error should name the url: %v", err)
	}
}

// Package wire holds the small JSON-over-HTTP helpers shared by every padlink
// component: the acknowledgement body returned by padlink endpoints and the
// request helpers used by the directory, tunnel and telemetry clients.
package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Acknowledgement statuses.
const (
	StatusOK      = "ok"
	StatusSuccess = "success"
	StatusError   = "error"
)

// SkipBrowserWarningHeader is sent on every request to a padlink endpoint.
// ngrok answers browser-like clients that omit it with an interstitial page.
const SkipBrowserWarningHeader = "ngrok-skip-browser-warning"

// RequestHeader returns the headers padlink clients attach to requests.
func RequestHeader() http.Header {
	return http.Header{SkipBrowserWarningHeader: []string{"1"}}
}

// MaxBodySize bounds every request and response body read by padlink.
// Telemetry snapshots and directory values are a few hundred bytes.
const MaxBodySize int64 = 1 << 20

// Ack is the JSON body returned by padlink endpoints.
type Ack struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ResponseError reports a response outside the 2xx range.
type ResponseError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *ResponseError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %s %s: %d", e.Method, e.URL, e.Code)
	}
	return fmt.Sprintf("http %s %s: %d: %s", e.Method, e.URL, e.Code, e.Body)
}

var defaultClient = &http.Client{Timeout: 5 * time.Second}

// Do sends body (may be nil) with the given content type and, when out is
// non-nil, JSON-decodes a 2xx response into it. A nil client uses a shared
// client with a 5s timeout.
func Do(ctx context.Context, client *http.Client, method, url, contentType string, body []byte, out any) error {
	if client == nil {
		client = defaultClient
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(SkipBrowserWarningHeader, "1")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ResponseError{Method: method, URL: url, Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxBodySize))
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, out)
}

// GetJSON issues a GET and decodes the JSON response into out.
func GetJSON(ctx context.Context, client *http.Client, url string, out any) error {
	return Do(ctx, client, http.MethodGet, url, "", nil, out)
}

// PostJSON marshals body and POSTs it, decoding the response into out when non-nil.
func PostJSON(ctx context.Context, client *http.Client, url string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return Do(ctx, client, http.MethodPost, url, "application/json", data, out)
}

// PutJSON marshals body and PUTs it, decoding the response into out when non-nil.
func PutJSON(ctx context.Context, client *http.Client, url string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return Do(ctx, client, http.MethodPut, url, "application/json", data, out)
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteAck writes an Ack response.
func WriteAck(w http.ResponseWriter, code int, status, message string) {
	WriteJSON(w, code, Ack{Status: status, Message: message})
}

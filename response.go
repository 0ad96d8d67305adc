package caddyappsec

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fabriziosalmi/caddy-appsec/appsec"
)

// blockRequest writes the block response of a blocked transaction.
func (m *Middleware) blockRequest(w http.ResponseWriter, r *http.Request, tx *appsec.Context) error {
	statusCode, ruleIDs := blockDetails(tx)

	m.logger.Warn("REQUEST BLOCKED BY WAF",
		zap.String("transaction_id", tx.ID()),
		zap.Strings("rule_ids", ruleIDs),
		zap.Int("status_code", statusCode),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("method", r.Method),
		zap.String("uri", r.RequestURI))
	m.DebugRequest(r, tx, "transaction blocked")

	if custom, ok := m.CustomResponses[statusCode]; ok {
		return m.writeCustomResponse(w, custom)
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(statusCode)
	message := fmt.Sprintf("Request blocked by WAF. Reason: %s", strings.Join(ruleIDs, ", "))
	if _, err := w.Write([]byte(message)); err != nil {
		m.logger.Error("Failed to write blocked response", zap.Error(err))
	}
	return nil
}

func (m *Middleware) writeCustomResponse(w http.ResponseWriter, custom CustomBlockResponse) error {
	for name, value := range custom.Headers {
		w.Header().Set(name, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain")
	}
	w.WriteHeader(custom.StatusCode)
	if _, err := w.Write([]byte(custom.Body)); err != nil {
		m.logger.Error("Failed to write custom block response", zap.Error(err))
	}
	return nil
}

// blockDetails returns the status code requested by the blocking result
// and the rule IDs of every match of the transaction.
func blockDetails(tx *appsec.Context) (int, []string) {
	statusCode := http.StatusForbidden
	var ruleIDs []string
	for _, res := range tx.Results() {
		if res.Blocking() {
			statusCode = res.StatusCode(http.StatusForbidden)
		}
		for _, ev := range res.Events {
			ruleIDs = append(ruleIDs, ev.RuleID)
		}
	}
	return statusCode, ruleIDs
}

// responseRecorder buffers the response of the next handler so it can be
// evaluated, and replaced, before anything reaches the client.
type responseRecorder struct {
	http.ResponseWriter
	header     http.Header
	body       *bytes.Buffer
	statusCode int
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{
		ResponseWriter: w,
		header:         make(http.Header),
		body:           new(bytes.Buffer),
	}
}

// Header returns the buffered response headers.
func (r *responseRecorder) Header() http.Header {
	return r.header
}

// WriteHeader captures the response status code. Only the first call counts.
func (r *responseRecorder) WriteHeader(statusCode int) {
	if r.statusCode == 0 {
		r.statusCode = statusCode
	}
}

// Write buffers the response body.
func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	return r.body.Write(b)
}

// StatusCode returns the captured status code.
func (r *responseRecorder) StatusCode() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

// BodyString returns the buffered body.
func (r *responseRecorder) BodyString() string {
	return r.body.String()
}

// flush writes the buffered response to the underlying writer.
func (r *responseRecorder) flush() error {
	dst := r.ResponseWriter.Header()
	for name, values := range r.header {
		dst[name] = values
	}
	r.ResponseWriter.WriteHeader(r.StatusCode())
	_, err := r.body.WriteTo(r.ResponseWriter)
	return err
}

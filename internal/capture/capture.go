// Package capture turns a raw captured HTTP exchange into a call record.
package capture

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/forkline/internal/record"
	"github.com/MikeSquared-Agency/forkline/internal/stream"
)

const messagesEndpoint = "/v1/messages"

// Exchange is one request/response pair as seen on the wire.
type Exchange struct {
	Timestamp       time.Time
	Method          string
	URL             string
	RequestHeaders  map[string]string
	ResponseHeaders map[string]string
	RequestBody     []byte
	ResponseBody    []byte
}

// Captures reports whether the exchange targets the messages endpoint.
func Captures(ex Exchange) bool {
	return strings.EqualFold(ex.Method, http.MethodPost) && strings.Contains(ex.URL, messagesEndpoint)
}

// Build converts ex into a call record. It returns false for exchanges that
// are not captured at all. Undecodable bodies become markers on the record.
func Build(ex Exchange) (record.CallRecord, bool) {
	if !Captures(ex) {
		return record.CallRecord{}, false
	}

	rec := record.CallRecord{
		Timestamp:       record.At(ex.Timestamp),
		URL:             ex.URL,
		RequestHeaders:  ex.RequestHeaders,
		ResponseHeaders: ex.ResponseHeaders,
	}

	if len(ex.RequestBody) > 0 {
		var body record.RequestBody
		if err := json.Unmarshal(ex.RequestBody, &body); err != nil {
			body = record.RequestBody{Marker: record.ParseErrorMarker(err)}
		}
		rec.Request = &body
	}

	rec.Response = stream.DecodeResponse(ex.ResponseBody, header(ex.ResponseHeaders, "Content-Type"))
	return rec, true
}

func header(h map[string]string, name string) string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

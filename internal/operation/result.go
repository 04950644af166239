package operation

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// Status is the outcome reported upward.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Failure reasons reported upward.
const (
	ReasonMaxConnections     = "max connections"
	ReasonAlreadyConnected   = "already connected"
	ReasonNotConnected       = "not connected"
	ReasonNotSubscribed      = "not subscribed"
	ReasonInvalidAttribute   = "Invalid service or characteristic uuid"
	ReasonInvalidHex         = "invalid hex value"
	ReasonConnectFailed      = "connect failed"
	ReasonTimeout            = "timeout"
	ReasonProcedureFailed    = "procedure failed"
	ReasonNoNotifyOrIndicate = "no notify or indicate property"
	ReasonRadioError         = "radio error"
)

// Result is the (status, body) pair every operation and access point call
// resolves to. Code is an HTTP status code.
type Result struct {
	Status    Status
	Code      int
	RequestID string
	Reason    string
	Fields    map[string]any
}

// Success builds a 200 result carrying fields.
func Success(fields map[string]any) Result {
	return Result{
		Status:    StatusSuccess,
		Code:      http.StatusOK,
		RequestID: uuid.NewString(),
		Fields:    fields,
	}
}

// Failure builds a 400 result with a machine-checkable reason.
func Failure(reason string) Result {
	return Result{
		Status:    StatusFailure,
		Code:      http.StatusBadRequest,
		RequestID: uuid.NewString(),
		Reason:    reason,
	}
}

// OK reports whether the result is a success.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Field returns a body field.
func (r Result) Field(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// MarshalJSON flattens the result into a single JSON object.
func (r Result) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		body[k] = v
	}
	body["status"] = r.Status
	if r.RequestID != "" {
		body["requestID"] = r.RequestID
	}
	if r.Reason != "" {
		body["reason"] = r.Reason
	}
	return json.Marshal(body)
}

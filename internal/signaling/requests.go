package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pion/webrtc/v4"
)

// MaxBodyBytes caps request bodies. A complete offer with gathered
// candidates is a few kilobytes.
const MaxBodyBytes = 1 << 20

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report JSON names in field errors.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
}

// Description is a session description on the wire.
type Description struct {
	Type string `json:"type" validate:"required,oneof=offer answer pranswer rollback"`
	SDP  string `json:"sdp" validate:"required,max=262144"`
}

// OpenRequest is the body of POST /sessions/{scenario}.
type OpenRequest struct {
	SDP *Description `json:"sdp" validate:"required"`
}

func (r *OpenRequest) offer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(r.SDP.Type), SDP: r.SDP.SDP}
}

// OpenResponse answers a successful POST /sessions/{scenario}.
type OpenResponse struct {
	ID               string                     `json:"id"`
	LocalDescription *webrtc.SessionDescription `json:"localDescription"`
}

// ScenarioView is one entry of GET /scenarios.
type ScenarioView struct {
	Name  string   `json:"name"`
	Kind  string   `json:"kind"`
	Tools []string `json:"tools,omitempty"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// decodeAndValidate reads a JSON body into dst. It writes the 400 response
// itself and reports false when the body is unusable.
func decodeAndValidate[T any](w http.ResponseWriter, r *http.Request, dst *T) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid JSON: %v", err)})
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, validationResponse(err))
		return false
	}
	return true
}

func validationResponse(err error) errorResponse {
	resp := errorResponse{Error: "validation failed"}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		resp.Error = err.Error()
		return resp
	}
	resp.Fields = make(map[string]string, len(verrs))
	for _, e := range verrs {
		resp.Fields[e.Namespace()] = validationMessage(e)
	}
	return resp
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}

package respbuilder

import (
	"net/http"

	"github.com/segmentio/encoding/json"
)

func WriteJSON(httpStatus int, rw http.ResponseWriter, r *http.Request, data interface{}) {
	traceID := TraceID(r.Context())

	payload, err := json.Marshal(data)
	if err != nil {
		reason := ReasonMap[ErrUnhandled]
		httpStatus = reason.HTTPStatus
		payload, _ = json.Marshal(HTTPError{
			Err: ErrorEntity{
				Code:    reason.Code,
				Message: reason.Message,
				Debug:   err.Error(),
				TraceID: traceID,
			},
		})
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Tracer-ID", traceID)
	rw.WriteHeader(httpStatus)
	_, _ = rw.Write(append(payload, '\n'))
}

// WriteError writes the error envelope with the status code of kind.
func WriteError(rw http.ResponseWriter, r *http.Request, kind ErrKind, err error) {
	WriteJSON(Status(kind), rw, r, Error(r.Context(), kind, err))
}

package web

import (
	"context"
	"fmt"
	"net/http"
)

// Encoder defines behavior that can encode a data model and provide
// the content type for that encoding.
type Encoder interface {
	Encode() ([]byte, string, error)
}

// httpStatus is used by encoders that want to control the returned http
// status code.
type httpStatus interface {
	HTTPStatus() int
}

// NoResponse tells the Respond function to not respond to the request. In
// those cases the handler has already sent the response, or a 204 is in order.
type NoResponse struct{}

// NewNoResponse constructs a no response value.
func NewNoResponse() NoResponse {
	return NoResponse{}
}

// Encode implements the Encoder interface.
func (NoResponse) Encode() ([]byte, string, error) {
	return nil, "", nil
}

// HTTPStatus implements the httpStatus interface.
func (NoResponse) HTTPStatus() int { return http.StatusNoContent }

// StatusCode reports the http status an encoder will produce.
func StatusCode(resp Encoder) int {
	switch v := resp.(type) {
	case httpStatus:
		return v.HTTPStatus()

	case error:
		return http.StatusInternalServerError

	case nil:
		return http.StatusNoContent
	}

	return http.StatusOK
}

// Respond sends a response to the client.
func Respond(ctx context.Context, w http.ResponseWriter, resp Encoder) error {
	// If the context has been canceled, it means the client is no longer
	// waiting for a response.
	if err := ctx.Err(); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return fmt.Errorf("client disconnected: %w", cause)
		}
		return fmt.Errorf("client disconnected, do not send response")
	}

	statusCode := StatusCode(resp)

	setStatusCode(ctx, statusCode)

	if resp == nil {
		w.WriteHeader(statusCode)
		return nil
	}

	data, contentType, err := resp.Encode()
	if err != nil {
		return fmt.Errorf("web.respond: encode: %w", err)
	}

	if statusCode == http.StatusNoContent || len(data) == 0 {
		w.WriteHeader(statusCode)
		return nil
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(statusCode)

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("web.respond: write: %w", err)
	}

	return nil
}

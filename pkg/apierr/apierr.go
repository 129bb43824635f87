// Package apierr provides the ImmediateResponse control-flow sentinel and
// helpers for writing structured error responses.
//
// Plugins and the dispatcher signal caller-visible outcomes by returning an
// *ImmediateResponse; the top-level request handler writes it verbatim and the
// request ends. Any other error becomes a generic 500 so internal state never
// leaks to callers.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// ImmediateResponse carries a fully formed HTTP response through the plugin
// pipeline. It implements error so it can travel up ordinary return paths.
type ImmediateResponse struct {
	Status      int
	ContentType string
	Body        []byte
	Header      map[string]string
}

func (e *ImmediateResponse) Error() string {
	return fmt.Sprintf("immediate response: status %d", e.Status)
}

// JSON builds an ImmediateResponse with a JSON-encoded payload.
func JSON(status int, payload any) *ImmediateResponse {
	body, _ := json.Marshal(payload)
	return &ImmediateResponse{
		Status:      status,
		ContentType: "application/json",
		Body:        body,
	}
}

// Text builds an ImmediateResponse with a plain-text body.
func Text(status int, msg string) *ImmediateResponse {
	return &ImmediateResponse{
		Status:      status,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(msg),
	}
}

// Write renders e onto the fasthttp response.
func Write(ctx *fasthttp.RequestCtx, e *ImmediateResponse) {
	ctx.Response.Reset()
	ctx.SetStatusCode(e.Status)
	if e.ContentType != "" {
		ctx.SetContentType(e.ContentType)
	}
	for k, v := range e.Header {
		ctx.Response.Header.Set(k, v)
	}
	ctx.SetBody(e.Body)
}

// WriteError writes err to the client. ImmediateResponse values are written
// verbatim; anything else becomes a generic 500 JSON envelope.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	var ir *ImmediateResponse
	if errors.As(err, &ir) {
		Write(ctx, ir)
		return
	}
	Write(ctx, JSON(fasthttp.StatusInternalServerError,
		map[string]string{"error": "internal server error"}))
}

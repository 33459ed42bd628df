package web

import (
	"net/http"

	"github.com/go-chi/render"
)

// ErrResponse is the JSON error body of the API.
type ErrResponse struct {
	Err            error  `json:"-"`
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	ErrorText      string `json:"error,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errResponse(status int, err error) render.Renderer {
	e := &ErrResponse{
		Err:            err,
		HTTPStatusCode: status,
		StatusText:     http.StatusText(status),
	}
	if err != nil {
		e.ErrorText = err.Error()
	}
	return e
}

func ErrInvalidRequest(err error) render.Renderer { return errResponse(http.StatusBadRequest, err) }

func ErrBusy(err error) render.Renderer { return errResponse(http.StatusTooManyRequests, err) }

func ErrUnavailable(err error) render.Renderer { return errResponse(http.StatusServiceUnavailable, err) }

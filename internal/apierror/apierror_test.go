package apierror

import (
	"net/http"
	"testing"
)

func TestConstructorsSetStatus(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		want int
	}{
		{"Validation", Validation("bad body"), http.StatusBadRequest},
		{"Conflict", Conflict("already running"), http.StatusConflict},
		{"NotFound", NotFound("no such job"), http.StatusNotFound},
		{"Unavailable", Unavailable("agent not connected"), http.StatusServiceUnavailable},
		{"Internal", Internal("db write failed"), http.StatusInternalServerError},
		{"Precondition default", Precondition(0, "root unset"), http.StatusPreconditionFailed},
		{"Precondition explicit", Precondition(http.StatusUnprocessableEntity, "deploy failed"), http.StatusUnprocessableEntity},
	}

	for _, c := range cases {
		if c.err.Status != c.want {
			t.Errorf("%s: Status = %d, want %d", c.name, c.err.Status, c.want)
		}
		if c.err.Error() == "" {
			t.Errorf("%s: Error() returned empty string", c.name)
		}
	}
}

package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/formengine/internal/platform/fhir"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512K", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"invalid", 1 << 20},
		{"-5", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/form-sessions/s1/fields/weight", strings.NewReader(`{"value":72}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	h := BodyLimit("1M", "10M")(func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil || len(b) == 0 {
			t.Fatalf("read body: %q %v", b, err)
		}
		called = true
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestBodyLimit_RejectsOversizedBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/form-sessions", bytes.NewReader(bytes.Repeat([]byte("x"), 2048)))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := BodyLimit("1K", "10M")(func(c echo.Context) error {
		t.Error("handler should not be called when body exceeds limit")
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	var oo fhir.OperationOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &oo); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if oo.ResourceType != "OperationOutcome" || oo.Issue[0].Code != fhir.IssueTypeTooCostly {
		t.Errorf("unexpected outcome: %s", rec.Body.String())
	}
}

func TestBodyLimit_SchemaUploadsUseLargerLimit(t *testing.T) {
	e := echo.New()
	body := bytes.Repeat([]byte("x"), 2048)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/forms", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	called := false
	h := BodyLimit("1K", "10M")(func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusCreated)
	})
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected schema upload within the larger limit to pass")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/forms", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	h = BodyLimit("512", "1K")(func(c echo.Context) error {
		t.Error("handler should not be called")
		return nil
	})
	h(e.NewContext(req, rec))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestBodyLimit_SkipsNilBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/forms", nil)
	called := false
	h := BodyLimit("1M", "10M")(func(c echo.Context) error {
		called = true
		return nil
	})
	if err := h(e.NewContext(req, httptest.NewRecorder())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called for GET with no body")
	}
}

func TestBodyLimit_EnforcesLimitDuringRead(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/form-sessions", bytes.NewReader(bytes.Repeat([]byte("a"), 1024)))
	req.ContentLength = -1

	h := BodyLimit("512", "10M")(func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	})
	err := h(e.NewContext(req, httptest.NewRecorder()))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", httpErr.Code)
	}
}

package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loykin/crashguard/internal/report"
)

// fakeBackend is a minimal event-ingest API.
func fakeBackend(t *testing.T, token string, got chan<- report.Event) *httptest.Server {
	t.Helper()
	e := echo.New()
	e.HideBanner = true
	e.POST("/api/events", func(c echo.Context) error {
		if token != "" && c.Request().Header.Get("Authorization") != "Bearer "+token {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "bad token"})
		}
		var ev report.Event
		if err := c.Bind(&ev); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		if c.Request().Header.Get("Idempotency-Key") != ev.ID {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing idempotency key"})
		}
		got <- ev
		return c.NoContent(http.StatusAccepted)
	})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func TestWebhookSink_Send(t *testing.T) {
	got := make(chan report.Event, 1)
	srv := fakeBackend(t, "s3cret", got)

	sink := New(srv.URL+"/api/events", "s3cret", 5*time.Second)
	ev := report.NewEvent(report.EventCrash, "survival-01", "child exited", 137, 2)
	if err := sink.Send(context.Background(), ev); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case e := <-got:
		if e.ID != ev.ID || e.Type != report.EventCrash || e.ExitCode != 137 || e.CrashCount != 2 {
			t.Fatalf("unexpected event at backend: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend did not receive event")
	}
}

func TestWebhookSink_RejectedToken(t *testing.T) {
	srv := fakeBackend(t, "right", make(chan report.Event, 1))
	sink := New(srv.URL+"/api/events", "wrong", 5*time.Second)
	if err := sink.Send(context.Background(), report.NewEvent(report.EventStartup, "s", "", 0, 0)); err == nil {
		t.Fatal("expected error for unauthorized response")
	}
}

func TestWebhookSink_Unreachable(t *testing.T) {
	sink := New("http://127.0.0.1:1/events", "", 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sink.Send(ctx, report.NewEvent(report.EventStartup, "s", "", 0, 0)); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestWebhookSink_UsesConfiguredTimeout(t *testing.T) {
	if got := New("http://backend/events", "", 30*time.Second).Timeout(); got != 30*time.Second {
		t.Fatalf("timeout = %v, want 30s", got)
	}
	if got := New("http://backend/events", "", 0).Timeout(); got != 0 {
		t.Fatalf("timeout = %v, want none", got)
	}
}

func TestWebhookSink_SlowBackendTimesOut(t *testing.T) {
	e := echo.New()
	e.HideBanner = true
	release := make(chan struct{})
	e.POST("/events", func(c echo.Context) error {
		select {
		case <-release:
		case <-c.Request().Context().Done():
		}
		return c.NoContent(http.StatusAccepted)
	})
	srv := httptest.NewServer(e)
	defer srv.Close()
	defer close(release)

	sink := New(srv.URL+"/events", "", 100*time.Millisecond)
	start := time.Now()
	if err := sink.Send(context.Background(), report.NewEvent(report.EventCrash, "s", "", 1, 1)); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("request was not bounded by the sink timeout")
	}
}

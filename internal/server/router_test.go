package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"
)

type stubControl struct {
	healthCalls int
	statusCalls int
	pageCalls   int
	clickCalls  int
	reloadCalls int
	lastErr     int
}

func (s *stubControl) ServeHealth(w http.ResponseWriter, r *http.Request) {
	s.healthCalls++
	w.WriteHeader(http.StatusOK)
}

func (s *stubControl) ServeStatus(w http.ResponseWriter, r *http.Request) {
	s.statusCalls++
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"observing":true}`))
}

func (s *stubControl) ServePage(w http.ResponseWriter, r *http.Request) {
	s.pageCalls++
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html></html>"))
}

func (s *stubControl) ServeClick(w http.ResponseWriter, r *http.Request) {
	s.clickCalls++
	w.WriteHeader(http.StatusAccepted)
}

func (s *stubControl) ServeReload(w http.ResponseWriter, r *http.Request) {
	s.reloadCalls++
	w.WriteHeader(http.StatusAccepted)
}

func (s *stubControl) WriteError(w http.ResponseWriter, status int, message string) {
	s.lastErr = status
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

func TestParseRoute(t *testing.T) {
	cases := map[string]struct {
		path  string
		route string
		ok    bool
	}{
		"health":         {path: "/health", route: "healthz", ok: true},
		"healthz":        {path: "/healthz", route: "healthz", ok: true},
		"status":         {path: "/status", route: "status", ok: true},
		"page":           {path: "/page/", route: "page", ok: true},
		"click":          {path: "/click", route: "click", ok: true},
		"reload upper":   {path: "/RELOAD", route: "reload", ok: true},
		"metrics":        {path: "/metrics", route: "metrics", ok: true},
		"nested":         {path: "/status/extra", ok: false},
		"unknown":        {path: "/unknown", ok: false},
		"root":           {path: "/", ok: false},
		"blank":          {path: "", ok: false},
		"double slashes": {path: "//click//", route: "click", ok: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			route, ok := parseRoute(tc.path)
			if ok != tc.ok {
				t.Fatalf("ok=%v, want %v", ok, tc.ok)
			}
			if route != tc.route {
				t.Fatalf("route=%q, want %q", route, tc.route)
			}
		})
	}
}

func TestControlHandlerRoutes(t *testing.T) {
	stub := &stubControl{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# HELP mapinfo\n"))
	})
	srv := httptest.NewServer(NewControlHandler(stub, metrics))
	defer srv.Close()

	e := httpexpect.Default(t, srv.URL)

	e.GET("/healthz").Expect().Status(http.StatusOK)
	e.GET("/health").Expect().Status(http.StatusOK)
	e.GET("/status").Expect().Status(http.StatusOK).JSON().Object().Value("observing").Boolean().IsTrue()
	e.GET("/page").Expect().Status(http.StatusOK).Body().Contains("<html>")
	e.POST("/click").WithQuery("selector", ".deep-info-btn").Expect().Status(http.StatusAccepted)
	e.POST("/reload").Expect().Status(http.StatusAccepted)
	e.GET("/metrics").Expect().Status(http.StatusOK).Body().Contains("mapinfo")
	e.GET("/nope").Expect().Status(http.StatusNotFound)

	if stub.healthCalls != 2 || stub.statusCalls != 1 || stub.pageCalls != 1 {
		t.Fatalf("unexpected read calls: %+v", stub)
	}
	if stub.clickCalls != 1 || stub.reloadCalls != 1 {
		t.Fatalf("unexpected write calls: %+v", stub)
	}
}

func TestControlHandlerRejectsWrongMethod(t *testing.T) {
	stub := &stubControl{}
	srv := httptest.NewServer(NewControlHandler(stub, nil))
	defer srv.Close()

	e := httpexpect.Default(t, srv.URL)

	e.GET("/reload").Expect().Status(http.StatusMethodNotAllowed).Header("Allow").IsEqual("POST")
	e.GET("/click").Expect().Status(http.StatusMethodNotAllowed)
	e.POST("/status").Expect().Status(http.StatusMethodNotAllowed)

	if stub.reloadCalls != 0 || stub.clickCalls != 0 || stub.statusCalls != 0 {
		t.Fatalf("handlers should not run: %+v", stub)
	}
	if stub.lastErr != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 via WriteError, got %d", stub.lastErr)
	}
}

func TestControlHandlerWithoutMetrics(t *testing.T) {
	rr := httptest.NewRecorder()
	NewControlHandler(&stubControl{}, nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestControlHandlerNilRuntime(t *testing.T) {
	rr := httptest.NewRecorder()
	NewControlHandler(nil, nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

package serialmux

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func newAdminMux(t *testing.T) (*TestableSerialPort, *SerialMux[*TestableSerialPort], *http.ServeMux) {
	t.Helper()
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	t.Cleanup(func() { mux.Close() })
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)
	return port, mux, httpMux
}

func TestAttachAdminRoutes_SendCommandAPI(t *testing.T) {
	port, _, httpMux := newAdminMux(t)

	tests := []struct {
		name           string
		method         string
		formData       url.Values
		expectedStatus int
		bodyContains   string
	}{
		{"valid POST with command", http.MethodPost, url.Values{"command": {CommandStartStream}}, http.StatusOK, CommandStartStream},
		{"POST with empty command", http.MethodPost, url.Values{"command": {""}}, http.StatusBadRequest, "Missing command"},
		{"POST with whitespace-only command", http.MethodPost, url.Values{"command": {"   "}}, http.StatusBadRequest, "Missing command"},
		{"POST without command parameter", http.MethodPost, url.Values{}, http.StatusBadRequest, "Missing command"},
		{"GET method not allowed", http.MethodGet, nil, http.StatusMethodNotAllowed, "Method not allowed"},
		{"PUT method not allowed", http.MethodPut, nil, http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.formData != nil {
				body = strings.NewReader(tt.formData.Encode())
			}
			req := localHostRequest(tt.method, "/debug/send-command-api", body)
			if tt.formData != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}

			w := httptest.NewRecorder()
			httpMux.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d. Body: %s", tt.expectedStatus, w.Code, w.Body.String())
			}
			if tt.bodyContains != "" && !strings.Contains(w.Body.String(), tt.bodyContains) {
				t.Errorf("Expected body to contain %q, got: %s", tt.bodyContains, w.Body.String())
			}
		})
	}

	if got := string(port.GetWrittenData()); got != CommandStartStream+"\n" {
		t.Errorf("port received %q", got)
	}
}

func TestAttachAdminRoutes_SendCommandAPI_WriteError(t *testing.T) {
	port, _, httpMux := newAdminMux(t)
	port.WriteError = io.ErrShortWrite

	formData := url.Values{"command": {CommandStopStream}}
	req := localHostRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader(formData.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d. Body: %s", w.Code, w.Body.String())
	}
}

func TestAttachAdminRoutes_SendCommandPage(t *testing.T) {
	_, _, httpMux := newAdminMux(t)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/send-command", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, cmd := range KnownCommands() {
		if !strings.Contains(body, cmd) {
			t.Errorf("page does not offer %s", cmd)
		}
	}
}

func TestAttachAdminRoutes_TailJS(t *testing.T) {
	_, _, httpMux := newAdminMux(t)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/tail.js", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "javascript") {
		t.Errorf("Expected Content-Type to contain 'javascript', got: %s", ct)
	}
}

func TestAttachAdminRoutes_TailMethodNotAllowed(t *testing.T) {
	_, _, httpMux := newAdminMux(t)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodPost, "/debug/tail", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestAttachAdminRoutes_TailStreamsHex(t *testing.T) {
	port, mux, httpMux := newAdminMux(t)
	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go mux.Monitor(ctx)

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/tail", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET tail: %v", err)
	}
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": ping") {
		t.Fatalf("expected ping, got %q (%v)", line, err)
	}

	port.AddReadData([]byte{0xAA, 0x55, 0x01})
	for {
		line, err = r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	if got := strings.TrimSpace(line); got != "data: aa5501" {
		t.Errorf("got %q, want %q", got, "data: aa5501")
	}
}

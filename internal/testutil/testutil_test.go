package testutil

import (
	"net/http"
	"strings"
	"testing"
)

func TestServeLocalRequest(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"remote":"` + r.RemoteAddr + `"}`))
	})
	rec := Serve(h, LocalRequest(http.MethodPost, "/x", strings.NewReader("{}")))

	AssertStatusCode(t, rec.Code, http.StatusOK)
	var body map[string]string
	DecodeJSON(t, rec, &body)
	if body["remote"] != "127.0.0.1:12345" {
		t.Errorf("remote = %q", body["remote"])
	}
}

package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loomnet/loomctl/internal/testutil/testlog"
)

func TestSendRoundTripsEnvelope(t *testing.T) {
	testlog.Start(t)
	var seen Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != MessageEndpoint {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Response{Body: Bytes(`"ok"`), LazyLoadBlob: Bytes{1, 2, 3}})
	}))
	defer srv.Close()

	client := NewClient(2 * time.Second)
	req := NewRequest("vfs:sys", `{"action":"Read"}`, nil, []byte{0xde, 0xad})
	resp, err := client.Send(context.Background(), srv.URL, req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if seen.Process != "vfs:sys" {
		t.Fatalf("server saw process %q", seen.Process)
	}
	if string(seen.Data) != "\xde\xad" {
		t.Fatalf("server saw blob %v", seen.Data)
	}
	if string(resp.Body) != `"ok"` {
		t.Fatalf("unexpected body %q", resp.Body)
	}
	if len(resp.LazyLoadBlob) != 3 {
		t.Fatalf("unexpected blob %v", resp.LazyLoadBlob)
	}
}

func TestSendRejectsNonOKStatus(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(2 * time.Second)
	_, err := client.Send(context.Background(), srv.URL, NewRequest("tester:sys", "{}", nil, nil))
	if err == nil {
		t.Fatalf("expected non-200 error")
	}
}

func TestBytesDecodesNumberArraysAndNull(t *testing.T) {
	testlog.Start(t)
	var resp Response
	raw := []byte(`{"body": [104, 105], "lazy_load_blob": null}`)
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(resp.Body) != "hi" {
		t.Fatalf("expected body \"hi\", got %q", resp.Body)
	}
	if resp.LazyLoadBlob != nil {
		t.Fatalf("expected nil blob")
	}
}

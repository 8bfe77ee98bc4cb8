package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentoven/supportdesk/pkg/models"
)

func TestClient_ListConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/admin/conversations" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "k-ops" {
			t.Errorf("X-API-Key = %q", got)
		}
		if got := r.URL.Query().Get("state"); got != "pending_human" {
			t.Errorf("state = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []models.Conversation{{ID: "conv_1", ControlState: models.ControlPendingHuman}},
		})
	}))
	defer srv.Close()

	convs, err := newClient(srv.URL, "k-ops").ListConversations(context.Background(), "pending_human", "", 10)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(convs) != 1 || convs[0].ID != "conv_1" {
		t.Errorf("ListConversations() = %+v", convs)
	}
}

func TestClient_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid hand-off transition"})
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, "").Claim(context.Background(), "conv_1")
	if err == nil {
		t.Fatal("Claim() error = nil, want conflict")
	}
	if !strings.Contains(err.Error(), "invalid hand-off transition") || !strings.Contains(err.Error(), "409") {
		t.Errorf("Claim() error = %v", err)
	}
}

func TestClient_Reject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if r.Method != http.MethodPost || body["reason"] != "used item" {
			t.Errorf("%s body = %v", r.Method, body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":false,"action":"rejected","order_id":"ORD-1004","amount":0,"need_human":false,"reason":"used item"}`))
	}))
	defer srv.Close()

	out, err := newClient(srv.URL, "").Reject(context.Background(), "apv_1", "used item")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if out.Action != "rejected" || out.OrderID != "ORD-1004" {
		t.Errorf("Reject() = %+v", out)
	}
}

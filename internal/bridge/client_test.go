package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"qflow/internal/models"
)

func TestAPIClientClaimTicket(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, "q1", "tok", "session-1")
	if err := client.ClaimTicket("Kiosk", "1700000000000"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if gotPath != "POST /api/queues/q1/tickets" {
		t.Fatalf("unexpected request %q", gotPath)
	}
	if gotAuth != "Bearer session-1" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody["token"] != "tok" || gotBody["holder_name"] != "Kiosk" {
		t.Fatalf("unexpected body %v", gotBody)
	}
}

func TestAPIClientQueueTickets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/queues/q1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"queue_id": "q1",
			"tickets": []models.Ticket{
				{TicketID: "t1", Number: 1, Status: models.StatusServing},
			},
		})
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, "q1", "", "")
	tickets, err := client.QueueTickets()
	if err != nil {
		t.Fatalf("queue tickets: %v", err)
	}
	if len(tickets) != 1 || tickets[0].TicketID != "t1" {
		t.Fatalf("unexpected tickets %v", tickets)
	}
}

func TestAPIClientSurfacesHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"queue_empty"}}`, http.StatusConflict)
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, "q1", "", "")
	err := client.CallNext()
	if err == nil {
		t.Fatalf("expected error for 409 response")
	}
}

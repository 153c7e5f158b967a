package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"qflow/internal/models"
)

// APIClient implements Caller over the queue server's HTTP API. Kiosk mode
// only needs the queue token; staff mode additionally carries a session id
// for the staff-gated operations.
type APIClient struct {
	BaseURL   string
	QueueID   string
	Token     string
	SessionID string
	client    *http.Client
}

func NewAPIClient(baseURL, queueID, token, sessionID string) *APIClient {
	return &APIClient{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		QueueID:   queueID,
		Token:     token,
		SessionID: sessionID,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *APIClient) ClaimTicket(holderName, holderCode string) error {
	body := map[string]string{
		"holder_name": holderName,
		"holder_code": holderCode,
		"token":       c.Token,
	}
	return c.do(http.MethodPost, fmt.Sprintf("/api/queues/%s/tickets", c.QueueID), body, nil)
}

func (c *APIClient) CallNext() error {
	return c.do(http.MethodPost, fmt.Sprintf("/api/queues/%s/actions/call-next", c.QueueID), nil, nil)
}

func (c *APIClient) UpdateStatus(ticketID, status, reason string) error {
	body := map[string]string{"status": status, "reason": reason}
	return c.do(http.MethodPut, fmt.Sprintf("/api/tickets/%s/status", ticketID), body, nil)
}

func (c *APIClient) QueueTickets() ([]models.Ticket, error) {
	var detail struct {
		Tickets []models.Ticket `json:"tickets"`
	}
	if err := c.do(http.MethodGet, fmt.Sprintf("/api/queues/%s", c.QueueID), nil, &detail); err != nil {
		return nil, err
	}
	return detail.Tickets, nil
}

func (c *APIClient) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.SessionID != "" {
		req.Header.Set("Authorization", "Bearer "+c.SessionID)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

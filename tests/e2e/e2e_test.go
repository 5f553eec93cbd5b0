package e2e

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The suite drives a running deployment (api + publisher + worker +
// postgres + rabbitmq + redis + mongo), e.g. the docker compose stack.
// E2E_BASE_URL overrides the default local address.
var baseURL = func() string {
	if v := os.Getenv("E2E_BASE_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8000"
}()

const pricePlaceholder = "Не рассчитано"

type Client struct {
	t       *testing.T
	client  *http.Client
	session string
}

func NewClient(t *testing.T) *Client {
	return &Client{
		t:      t,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(method, path string, body any) (int, []byte) {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, baseURL+path, &buf)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.session != "" {
		req.Header.Set("X-Session-Id", c.session)
	}

	resp, err := c.client.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp.StatusCode, out.Bytes()
}

func (c *Client) Get(path string) (int, map[string]any) {
	status, raw := c.do("GET", path, nil)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return status, m
}

func (c *Client) GetList(path string) (int, []any) {
	status, raw := c.do("GET", path, nil)
	var list []any
	_ = json.Unmarshal(raw, &list)
	return status, list
}

func (c *Client) Post(path string, body any) (int, map[string]any) {
	status, raw := c.do("POST", path, body)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return status, m
}

// OpenSession obtains a session id and pins it to every later request.
func (c *Client) OpenSession() string {
	status, body := c.Get("/v1/debug/session")
	require.Equal(c.t, http.StatusCreated, status, "open session: %v", body)
	id, _ := body["session_id"].(string)
	require.Len(c.t, id, 32)
	c.session = id
	return id
}

// waitForPrice polls the detail endpoint until the worker has priced the
// parcel. The detail written at registration is cached for a minute, so
// the deadline has to sit comfortably past that.
func (c *Client) waitForPrice(parcelID string) map[string]any {
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		status, body := c.Get("/v1/parcels/" + parcelID)
		if status == http.StatusOK {
			if price, ok := body["delivery_price_rub"].(string); ok && price != pricePlaceholder {
				return body
			}
		}
		time.Sleep(2 * time.Second)
	}
	c.t.Fatalf("parcel %s still unpriced after deadline", parcelID)
	return nil
}

func TestE2E_ParcelLifecycle(t *testing.T) {
	c := NewClient(t)
	sessionID := c.OpenSession()

	t.Log("Registering parcel...")
	status, body := c.Post("/v1/parcels", map[string]any{
		"name":                "ботинки е2е",
		"weight_kg":           2.0,
		"type_id":             1,
		"cost_adjustment_usd": 10.0,
	})
	require.Equal(t, http.StatusCreated, status, "register failed: %v", body)
	assert.Equal(t, "Parcel registered", body["message"])
	parcelID, _ := body["parcel_id"].(string)
	require.NotEmpty(t, parcelID)

	t.Log("Waiting for the delivery price...")
	detail := c.waitForPrice(parcelID)
	assert.Equal(t, "ботинки е2е", detail["name"])

	t.Log("Listing parcels...")
	status, body = c.Get("/v1/parcels/all?has_delivery_price=true")
	require.Equal(t, http.StatusOK, status)
	total, _ := body["total"].(float64)
	assert.GreaterOrEqual(t, total, 1.0)
	items, _ := body["items"].([]any)
	require.NotEmpty(t, items)
	found := false
	for _, it := range items {
		m, _ := it.(map[string]any)
		if m["parcel_id"] == parcelID {
			found = true
		}
	}
	assert.True(t, found, "registered parcel missing from the list")

	t.Log("Reading parcel types...")
	status, types := c.GetList("/v1/parcels/parcels-types")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, types, 3)

	t.Log("Binding a transport company...")
	status, body = c.Post("/v1/parcels/"+parcelID+"/bind-company", map[string]any{"company_id": 1})
	require.Equal(t, http.StatusOK, status, "bind failed: %v", body)
	assert.Equal(t, "Parcel registered for company", body["message"])

	status, body = c.Post("/v1/parcels/"+parcelID+"/bind-company", map[string]any{"company_id": 2})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "The parcel is already bound to another company", body["message"])

	t.Log("Triggering recalculation...")
	status, body = c.Get("/v1/debug/recalculate")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Ok", body["message"])

	t.Log("Reading the delivery summary...")
	status, body = c.Get("/v1/analytics/delivery/summary")
	require.Equal(t, http.StatusOK, status)
	summaryItems, ok := body["items"].([]any)
	require.True(t, ok, "summary items missing: %v", body)
	assert.NotEmpty(t, summaryItems)

	t.Log("Checking session endpoints...")
	status, body = c.Get("/v1/debug/session/" + sessionID)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, sessionID, body["session_id"])

	status, body = c.Get("/v1/debug/session/all")
	require.Equal(t, http.StatusOK, status)
	sessions, _ := body["sessions"].(map[string]any)
	assert.Contains(t, sessions, "x-session-id:"+sessionID)
}

func TestE2E_SessionIsolation(t *testing.T) {
	owner := NewClient(t)
	owner.OpenSession()

	status, body := owner.Post("/v1/parcels", map[string]any{
		"name":                "изолированная посылка",
		"weight_kg":           1.0,
		"type_id":             2,
		"cost_adjustment_usd": 5.0,
	})
	require.Equal(t, http.StatusCreated, status, "register failed: %v", body)
	parcelID, _ := body["parcel_id"].(string)
	require.NotEmpty(t, parcelID)

	stranger := NewClient(t)
	stranger.OpenSession()

	// A fresh session lists nothing.
	status, body = stranger.Get("/v1/parcels/all?has_delivery_price=false")
	require.Equal(t, http.StatusOK, status)
	total, _ := body["total"].(float64)
	assert.Zero(t, total)
}

func TestE2E_ValidationSurface(t *testing.T) {
	c := NewClient(t)

	// Missing session header.
	status, body := c.Post("/v1/parcels", map[string]any{"name": "без сессии"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, body["message"], "X-Session-Id")

	c.OpenSession()

	// Malformed parcel id.
	status, _ = c.Get("/v1/parcels/not-a-uuid")
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	// Overweight parcel.
	status, _ = c.Post("/v1/parcels", map[string]any{
		"name":      "слишком тяжёлая",
		"weight_kg": 200.0,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	// Unknown session lookup.
	status, body = c.Get("/v1/debug/session/00000000000000000000000000000000")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Session not found", body["message"])
}

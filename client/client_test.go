package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/keys/generate", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"public_key": "pub", "secret_key": "sec"})
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", nil, nil)
	key, err := client.GenerateKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pub", key.PublicKey)
	assert.Equal(t, "sec", key.SecretKey)
}

func TestImportKey_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "bad", body["secret_key"])
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid key format"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.ImportKey(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid key format")
	assert.True(t, IsStatus(err, http.StatusBadRequest))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "invalid key format", apiErr.Message)
}

func TestBalance_Refresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/balance", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("refresh"))
		json.NewEncoder(w).Encode(map[string]interface{}{"lamports": 1500000000, "sol": "1.5"})
	}))
	defer server.Close()

	b, err := NewClient(server.URL, nil, nil).Balance(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), b.Lamports)
	assert.Equal(t, "1.5", b.SOL)
}

func TestSchedules(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/api/v1/schedules":
			var params ScheduleParams
			require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
			assert.Equal(t, 12.5, params.MaxFailurePercentage)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(Transfer{ID: 1, Recipient: params.Recipient, AmountLamports: params.AmountLamports, Status: "Waiting"})
		case r.Method == "GET" && r.URL.Path == "/api/v1/schedules":
			json.NewEncoder(w).Encode(map[string]interface{}{"schedules": []Transfer{{ID: 1}, {ID: 2}}, "count": 2})
		case r.Method == "GET" && r.URL.Path == "/api/v1/schedules/2":
			json.NewEncoder(w).Encode(Transfer{ID: 2, Status: "Sent"})
		case r.Method == "DELETE" && r.URL.Path == "/api/v1/schedules/1":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == "DELETE" && r.URL.Path == "/api/v1/schedules/2":
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"error": "scheduled transfer is not cancelable"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ctx := context.Background()

	created, err := client.AddSchedule(ctx, ScheduleParams{Recipient: "r", AmountLamports: 10, MaxFailurePercentage: 12.5})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), created.ID)
	assert.Equal(t, "Waiting", created.Status)

	list, err := client.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	got, err := client.GetSchedule(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "Sent", got.Status)

	require.NoError(t, client.CancelSchedule(ctx, 1))
	err = client.CancelSchedule(ctx, 2)
	assert.True(t, IsStatus(err, http.StatusConflict))
}

func TestSend_NonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded\n"))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).Send(context.Background(), "r", 1)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.Contains(t, err.Error(), "upstream exploded")
}

func TestNetwork_NullFailurePercentage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"available":true,"snapshot":{"tps":1200,"congestion_level":"Unknown","failure_percentage":null},"trend":[]}`))
	}))
	defer server.Close()

	status, err := NewClient(server.URL, nil, nil).Network(context.Background())
	require.NoError(t, err)
	require.NotNil(t, status.Snapshot)
	assert.Nil(t, status.Snapshot.FailurePercentage)
	assert.Equal(t, 1200.0, status.Snapshot.TPS)
}

func TestStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "snapshot", r.URL.Query().Get("kind"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: connected\ndata: {}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		for i := 1; i <= 3; i++ {
			fmt.Fprintf(w, "id: e%d\nevent: snapshot\ndata: {\"id\":\"e%d\",\"kind\":\"snapshot\",\"snapshot\":{\"tps\":%d}}\n\n", i, i, i)
			flusher.Flush()
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, &http.Client{Timeout: time.Second}, nil)

	var got []Event
	err := client.Stream(context.Background(), "snapshot", func(e Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e3", got[2].ID)
	assert.Equal(t, 3.0, got[2].Snapshot.TPS)

	stop := errors.New("stop")
	err = client.Stream(context.Background(), "snapshot", func(e Event) error { return stop })
	assert.ErrorIs(t, err, stop)
}

package pixel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/attribution-pixel/internal/models"
)

func TestTransport_BeaconAcceptedSkipsPost(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
	}))
	defer srv.Close()

	beacon := &fakeBeacon{accept: true}
	tr := NewTransport(srv.URL+DefaultCollectorPath, beacon, srv.Client())

	require.NoError(t, tr.Send(context.Background(), []models.TrackingEvent{ev("a")}))
	assert.Len(t, beacon.Sent(), 1)
	assert.Zero(t, posts.Load())

	var batch models.Batch
	require.NoError(t, json.Unmarshal(beacon.Sent()[0], &batch))
	assert.Equal(t, []string{"a"}, eventNames(batch.Events))
}

func TestTransport_FallsBackToPost(t *testing.T) {
	var got models.Batch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultCollectorPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL+DefaultCollectorPath, &fakeBeacon{accept: false}, srv.Client())
	require.NoError(t, tr.Send(context.Background(), []models.TrackingEvent{ev("a"), ev("b")}))
	assert.Equal(t, []string{"a", "b"}, eventNames(got.Events))
}

func TestTransport_Non2xxIsDeliveryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, nil, srv.Client())
	err := tr.Send(context.Background(), []models.TrackingEvent{ev("a")})

	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusServiceUnavailable, de.StatusCode)
}

func TestTransport_FailureRequeuesThroughQueue(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := NewEventQueue(NewTransport(srv.URL, nil, srv.Client()), time.Hour, 0)
	defer q.Close()
	q.Enqueue(ev("a"))

	require.Error(t, q.Flush(context.Background()))
	assert.Equal(t, 1, q.Len())

	fail.Store(false)
	require.NoError(t, q.Flush(context.Background()))
	assert.Zero(t, q.Len())
}

func TestAsyncBeacon_DeliversAndRefusesOversize(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	b := NewAsyncBeacon(srv.Client(), 4)
	assert.False(t, b.SendBeacon(srv.URL, "application/json", make([]byte, MaxBeaconPayload+1)))
	assert.True(t, b.SendBeacon(srv.URL, "application/json", []byte(`{"events":[]}`)))
	b.Close()

	assert.EqualValues(t, 1, hits.Load())
	assert.False(t, b.SendBeacon(srv.URL, "application/json", []byte(`{}`)), "closed beacon refuses payloads")
}

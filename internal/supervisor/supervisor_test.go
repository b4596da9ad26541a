package supervisor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueServiceInsertsAndUpdatesInPlace(t *testing.T) {
	s := New(nil, time.Second, nil, nil)

	s.queueservice("g/svc1", "HTTP", "h1", 80, time.Second, 200, time.Second)
	require.Len(t, s.byUID, 1)

	before := s.byUID["g/svc1"].desc.LastSchedule()
	s.queueservice("g/svc1", "HTTP", "h2", 8080, time.Second, 201, 2*time.Second)

	it := s.byUID["g/svc1"]
	require.Equal(t, "h2", it.desc.Host)
	require.Equal(t, 8080, it.desc.Port)
	require.Equal(t, 201, it.desc.Pattern)
	require.True(t, it.fresh)
	require.Equal(t, before, it.desc.LastSchedule(), "updating in place must not reset lastschedule")
}

func TestGetNextScheduleEmptyReturnsNow(t *testing.T) {
	s := New(nil, time.Second, nil, nil)
	before := time.Now()
	got := s.getnextschedule()
	require.WithinDuration(t, before, got, time.Second)
}

func TestCheckServiceDispatchesAndReinserts(t *testing.T) {
	s := New(nil, time.Second, nil, nil)
	s.queueservice("g/svc1", "ECHO-TEST", "h", 1, time.Second, 200, 50*time.Millisecond)
	require.Equal(t, 1, s.heap.Len())

	s.checkservice(context.Background())

	require.Equal(t, 1, s.heap.Len())
	it := s.byUID["g/svc1"]
	require.False(t, it.fresh)
}

func TestRemoveObsoleteServicesSweepsStaleAndResetsFresh(t *testing.T) {
	s := New(nil, time.Second, nil, nil)
	s.queueservice("g/keep", "HTTP", "h", 1, time.Second, 200, time.Second)
	s.queueservice("g/drop", "HTTP", "h", 1, time.Second, 200, time.Second)

	// Simulate a reconciliation pass that only re-saw "keep": requeue it
	// (fresh=1 again) and leave "drop" stale (fresh stays as set by the
	// previous pass's sweep).
	s.removeobsoleteservices("g") // first pass: both fresh -> reset to false
	require.Len(t, s.byUID, 2)
	require.False(t, s.byUID["g/keep"].fresh)
	require.False(t, s.byUID["g/drop"].fresh)

	s.queueservice("g/keep", "HTTP", "h", 1, time.Second, 200, time.Second) // re-marks fresh
	s.removeobsoleteservices("g")                                          // second pass: drop is swept

	require.Len(t, s.byUID, 1)
	_, stillThere := s.byUID["g/keep"]
	require.True(t, stillThere)
}

func TestRemoveObsoleteServicesOnlyTouchesGroupPrefix(t *testing.T) {
	s := New(nil, time.Second, nil, nil)
	s.queueservice("groupA/svc", "HTTP", "h", 1, time.Second, 200, time.Second)
	s.queueservice("groupB/svc", "HTTP", "h", 1, time.Second, 200, time.Second)

	s.removeobsoleteservices("groupA")
	s.removeobsoleteservices("groupA") // second pass sweeps groupA's entry

	require.Len(t, s.byUID, 1)
	_, stillThere := s.byUID["groupB/svc"]
	require.True(t, stillThere)
}

func TestGetResultsSnapshotsAllEntries(t *testing.T) {
	s := New(nil, time.Second, nil, nil)
	s.queueservice("g/svc1", "HTTP", "h", 1, 5*time.Second, 200, time.Second)

	body, err := s.getresults()
	require.NoError(t, err)

	var parsed struct {
		Results [][]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(body, &parsed))
	require.Len(t, parsed.Results, 1)
	require.Equal(t, "g/svc1", parsed.Results[0][0])
}

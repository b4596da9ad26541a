package probe_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/babblemesh/babbler/internal/probe"
)

func TestUnknownProbeFailsAndIsOneShot(t *testing.T) {
	d := &probe.Descriptor{UID: "g/svc", Protocol: "CARRIER-PIGEON", Interval: 5 * time.Second}
	p := probe.Lookup(d.Protocol)
	p.Police(context.Background(), d)

	require.Equal(t, probe.StatusFail, d.LastStatus())
	require.Equal(t, probe.InfiniteInterval, d.Interval)
}

func TestHTTPProbeMatchesStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	host, port := splitTestServer(t, srv.URL)
	d := &probe.Descriptor{UID: "g/svc", Protocol: "HTTP", Host: host, Port: port, Pattern: http.StatusTeapot, Timeout: 2 * time.Second}

	p := probe.Lookup("HTTP")
	p.Police(context.Background(), d)

	require.Eventually(t, func() bool {
		return d.LastStatus() != probe.StatusUnknown
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, probe.StatusOK, d.LastStatus())
}

func TestHTTPProbeFailsOnMismatchedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port := splitTestServer(t, srv.URL)
	d := &probe.Descriptor{UID: "g/svc", Protocol: "HTTP", Host: host, Port: port, Pattern: http.StatusTeapot, Timeout: 2 * time.Second}

	p := probe.Lookup("HTTP")
	p.Police(context.Background(), d)

	require.Eventually(t, func() bool {
		return d.LastStatus() != probe.StatusUnknown
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, probe.StatusFail, d.LastStatus())
}

func TestHTTPProbeFailsOnUnreachableHost(t *testing.T) {
	d := &probe.Descriptor{UID: "g/svc", Protocol: "HTTP", Host: "127.0.0.1", Port: 1, Pattern: 200, Timeout: 200 * time.Millisecond}

	p := probe.Lookup("HTTP")
	p.Police(context.Background(), d)

	require.Eventually(t, func() bool {
		return d.LastStatus() != probe.StatusUnknown
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, probe.StatusFail, d.LastStatus())
}

func TestRegisterCustomProtocol(t *testing.T) {
	probe.Register("ECHO", func() probe.Probe { return echoProbe{} })
	d := &probe.Descriptor{UID: "g/echo", Protocol: "echo"}
	probe.Lookup(d.Protocol).Police(context.Background(), d)
	require.Equal(t, probe.StatusOK, d.LastStatus())
}

type echoProbe struct{}

func (echoProbe) Police(_ context.Context, d *probe.Descriptor) {
	d.SetLastSchedule(time.Now())
	d.SetLastStatus(probe.StatusOK)
}

func splitTestServer(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	return NewHTTPClient(srv.URL, 2*time.Second, nil), srv
}

func TestListPaths(t *testing.T) {
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/paths/list", r.URL.Path)
		w.Write([]byte(`{"itemCount":2,"pageCount":1,"items":[
			{"name":"cam1","ready":true,"source":{"type":"rtspSession","id":"a"},"bytesReceived":100},
			{"name":"cam2","ready":false,"confName":"cam2"}
		]}`))
	})
	defer srv.Close()

	paths, err := client.ListPaths(context.Background())
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.True(t, paths[0].Ready)
	assert.Equal(t, "rtspSession", paths[0].Source.Type)
	assert.Equal(t, "cam2", paths[1].ConfName)
}

func TestAddPathAcceptsMutationCodes(t *testing.T) {
	for _, code := range []int{200, 201, 204} {
		client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v3/config/paths/add/cam1", r.URL.Path)
			w.WriteHeader(code)
		})
		err := client.AddPath(context.Background(), "cam1", []byte(`{}`))
		assert.NoError(t, err, "status %d should be accepted", code)
		srv.Close()
	}
}

func TestAddPathRejectsOtherCodes(t *testing.T) {
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	})
	defer srv.Close()

	err := client.AddPath(context.Background(), "cam1", []byte(`{}`))
	require.Error(t, err)
}

func TestListSessions404MeansDisabled(t *testing.T) {
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	})
	defer srv.Close()

	sessions, err := client.ListSessions(context.Background(), ProtocolSRT)
	require.NoError(t, err, "404 on a sessions endpoint must not be an error")
	assert.Nil(t, sessions)
}

func TestListRTSPSessionsOnPathFilters(t *testing.T) {
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"itemCount":2,"pageCount":1,"items":[
			{"id":"s1","path":"cam1"},
			{"id":"s2","path":"cam2"}
		]}`))
	})
	defer srv.Close()

	ids, err := client.ListRTSPSessionsOnPath(context.Background(), "cam1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)
}

func TestKickSessionTreats404AsNoop(t *testing.T) {
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	})
	defer srv.Close()

	err := client.KickSession(context.Background(), ProtocolRTSP, "s1")
	assert.NoError(t, err)
}

func TestDetectProtocol(t *testing.T) {
	cases := map[string]string{
		"rtspSession": "rtsp",
		"rtmpConn":    "rtmp",
		"webRTCSession": "webrtc",
		"hlsMuxer":    "hls",
		"udp":         "unknown",
	}
	for sourceType, want := range cases {
		assert.Equal(t, want, DetectProtocol(sourceType), sourceType)
	}
}

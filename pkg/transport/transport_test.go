package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exchange(t *testing.T, a, b Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames := [][]byte{[]byte("first"), {}, []byte("third")}
	go func() {
		for _, f := range frames {
			assert.NoError(t, a.Send(ctx, f))
		}
	}()
	for _, want := range frames {
		got, err := b.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	}

	require.NoError(t, b.Send(ctx, []byte("reply")))
	got, err := a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(got))
}

func TestPipe(t *testing.T) {
	a, b := Pipe()
	exchange(t, a, b)

	require.NoError(t, a.Close())
	_, err := b.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Send(context.Background(), nil), ErrClosed)
}

func TestPipeRecvContext(t *testing.T) {
	a, _ := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStream(t *testing.T) {
	c1, c2 := net.Pipe()
	a := NewStream(c1, c1, c1)
	b := NewStream(c2, c2, c2)
	defer a.Close()
	defer b.Close()
	exchange(t, a, b)
}

func TestStreamEOF(t *testing.T) {
	r, w := io.Pipe()
	s := NewStream(r, io.Discard, nil)
	require.NoError(t, w.Close())

	for i := 0; i < 2; i++ {
		_, err := s.Recv(context.Background())
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestStreamRejectsHugeFrame(t *testing.T) {
	r, w := io.Pipe()
	s := NewStream(r, io.Discard, nil)
	go func() {
		_, _ = w.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}()
	_, err := s.Recv(context.Background())
	assert.ErrorContains(t, err, "exceeds limit")
}

func TestWebSocket(t *testing.T) {
	accepted := make(chan Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		accepted <- NewWebSocket(conn, false)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWebSocket(context.Background(), url, nil, false)
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	defer server.Close()

	exchange(t, client, server)
}

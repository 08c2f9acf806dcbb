package httpremote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm-dl/internal/downloader"
)

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

// rangeServer serves data with HEAD and single-range GET support.
func rangeServer(t *testing.T, data []byte, wrap func(http.Handler) http.Handler) *httptest.Server {
	t.Helper()
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.Header().Set("Accept-Ranges", "bytes")
			return
		}

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Write(data)
			return
		}
		parts := strings.Split(strings.TrimPrefix(rangeHeader, "bytes="), "-")
		start, _ := strconv.ParseInt(parts[0], 10, 64)
		end, _ := strconv.ParseInt(parts[1], 10, 64)
		if start >= int64(len(data)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		end = min(end, int64(len(data))-1)

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	})
	if wrap != nil {
		h = wrap(h)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, opts Options, token string) downloader.Session {
	t.Helper()
	s, err := NewDialer(opts).Dial(context.Background(), downloader.Credential{ID: "test", Token: token})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFetchRange(t *testing.T) {
	data := testData(10_000)
	var auth atomic.Value
	srv := rangeServer(t, data, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth.Store(r.Header.Get("Authorization"))
			next.ServeHTTP(w, r)
		})
	})
	s := dial(t, Options{}, "secret")

	got, err := s.Fetch(context.Background(), downloader.Handle(srv.URL), 3000, 1000)
	require.NoError(t, err)
	assert.Equal(t, data[3000:4000], got)
	assert.Equal(t, "Bearer secret", auth.Load())
}

func TestStatHead(t *testing.T) {
	srv := rangeServer(t, testData(12345), nil)
	s := dial(t, Options{}, "")

	size, err := s.Stat(context.Background(), downloader.Handle(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, int64(12345), size)
}

func TestStatFallsBackToRangeProbe(t *testing.T) {
	var heads atomic.Int32
	srv := rangeServer(t, testData(4096), func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead {
				heads.Add(1)
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	s := dial(t, Options{}, "")

	size, err := s.Stat(context.Background(), downloader.Handle(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, int64(4096), size)
	assert.Equal(t, int32(1), heads.Load())
}

func TestStatWithoutRangeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Write([]byte("whole body"))
	}))
	defer srv.Close()
	s := dial(t, Options{}, "")

	_, err := s.Stat(context.Background(), downloader.Handle(srv.URL))
	assert.ErrorIs(t, err, downloader.ErrFatalRemote)
}

func TestFetchRejectsIgnoredRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(testData(100))
	}))
	defer srv.Close()
	s := dial(t, Options{}, "")

	_, err := s.Fetch(context.Background(), downloader.Handle(srv.URL), 10, 10)
	assert.ErrorIs(t, err, downloader.ErrFatalRemote)
}

// misalignedServer answers every range request with the first n bytes of
// data, labelled as such, where n is the requested length.
func misalignedServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.Header.Get("Range"), "bytes="), "-")
		start, _ := strconv.ParseInt(parts[0], 10, 64)
		end, _ := strconv.ParseInt(parts[1], 10, 64)
		n := min(end-start+1, int64(len(data)))

		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", n-1, len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[:n])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRejectsMisalignedRange(t *testing.T) {
	data := testData(4096)
	srv := misalignedServer(t, data)
	s := dial(t, Options{}, "")

	got, err := s.Fetch(context.Background(), downloader.Handle(srv.URL), 0, 1000)
	require.NoError(t, err, "a window that matches the request is accepted")
	assert.Equal(t, data[:1000], got)

	_, err = s.Fetch(context.Background(), downloader.Handle(srv.URL), 1000, 1000)
	assert.ErrorIs(t, err, downloader.ErrFatalRemote)
}

func TestFetchRequiresContentRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		w.Write(testData(10))
	}))
	defer srv.Close()
	s := dial(t, Options{}, "")

	_, err := s.Fetch(context.Background(), downloader.Handle(srv.URL), 0, 10)
	assert.ErrorIs(t, err, downloader.ErrFatalRemote)
}

func TestEngineFailsOnMisalignedServer(t *testing.T) {
	data := testData(4096)
	srv := misalignedServer(t, data)
	dest := filepath.Join(t.TempDir(), "out.bin")

	eng := downloader.NewEngine(downloader.Config{
		Job: downloader.Job{
			Handle:      downloader.Handle(srv.URL),
			TotalSize:   int64(len(data)),
			Destination: dest,
		},
		Credentials: []downloader.Credential{{ID: "a"}, {ID: "b"}},
		Dialer:      NewDialer(Options{}),
		ChunkSize:   1000,
		Retry:       downloader.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 2},
	})

	err := eng.Start(context.Background())
	require.ErrorIs(t, err, downloader.ErrFatalRemote)
	assert.Equal(t, downloader.StateFailed, eng.State())
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "no file is published from misplaced bytes")
}

func TestFetchStatusClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		check      func(t *testing.T, err error)
	}{
		{"not found", http.StatusNotFound, "", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, downloader.ErrFatalRemote)
		}},
		{"forbidden", http.StatusForbidden, "", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, downloader.ErrFatalRemote)
		}},
		{"bad gateway", http.StatusBadGateway, "", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, downloader.ErrTransient)
		}},
		{"too many requests", http.StatusTooManyRequests, "7", func(t *testing.T, err error) {
			var rl *downloader.RateLimitError
			require.ErrorAs(t, err, &rl)
			assert.Equal(t, 7*time.Second, rl.Wait)
		}},
		{"unavailable with retry-after", http.StatusServiceUnavailable, "2", func(t *testing.T, err error) {
			var rl *downloader.RateLimitError
			require.ErrorAs(t, err, &rl)
			assert.Equal(t, 2*time.Second, rl.Wait)
		}},
		{"unavailable", http.StatusServiceUnavailable, "", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, downloader.ErrTransient)
		}},
		{"teapot", http.StatusTeapot, "", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, downloader.ErrFatalRemote)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()
			s := dial(t, Options{}, "")

			_, err := s.Fetch(context.Background(), downloader.Handle(srv.URL), 0, 10)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestFetchConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()
	s := dial(t, Options{Timeout: time.Second}, "")

	_, err := s.Fetch(context.Background(), downloader.Handle(addr), 0, 10)
	assert.ErrorIs(t, err, downloader.ErrTransient)
}

func TestFetchCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)
	s := dial(t, Options{}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Fetch(ctx, downloader.Handle(srv.URL), 0, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestsPerSecondPacesSession(t *testing.T) {
	srv := rangeServer(t, testData(100), nil)
	s := dial(t, Options{RequestsPerSecond: 20}, "")

	start := time.Now()
	for range 3 {
		_, err := s.Fetch(context.Background(), downloader.Handle(srv.URL), 0, 10)
		require.NoError(t, err)
	}
	// Burst of one: the second and third requests each wait 50ms.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestMaxChunkSize(t *testing.T) {
	s := dial(t, Options{MaxChunkSize: 512 * 1024}, "")
	cl, ok := s.(downloader.ChunkLimiter)
	require.True(t, ok)
	assert.Equal(t, int64(512*1024), cl.MaxChunkSize())
}

func TestDialCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDialer(Options{}).Dial(ctx, downloader.Credential{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFetchThroughDoH(t *testing.T) {
	data := testData(2048)
	srv := rangeServer(t, data, nil)

	var queried atomic.Value
	doh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queried.Store(r.URL.Query().Get("name"))
		w.Header().Set("Content-Type", "application/dns-json")
		fmt.Fprint(w, `{"Status":0,"Answer":[{"name":"files.example.test","type":5,"TTL":60,"data":"cdn.example.test."},{"name":"cdn.example.test","type":1,"TTL":60,"data":"127.0.0.1"}]}`)
	}))
	defer doh.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	handle := downloader.Handle("http://files.example.test:" + u.Port() + "/blob")

	s := dial(t, Options{UseDoH: true, DoHEndpoint: doh.URL}, "")
	got, err := s.Fetch(context.Background(), handle, 1000, 48)
	require.NoError(t, err)
	assert.Equal(t, data[1000:1048], got)
	assert.Equal(t, "files.example.test", queried.Load())
}

func TestDoHResolveErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"nxdomain", `{"Status":3}`, http.StatusOK},
		{"no A record", `{"Status":0,"Answer":[{"type":28,"data":"::1"}]}`, http.StatusOK},
		{"server error", `{}`, http.StatusInternalServerError},
		{"garbage", `not json`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				fmt.Fprint(w, tt.body)
			}))
			defer doh.Close()

			_, err := newDoHResolver(doh.URL).resolve(context.Background(), "example.test")
			assert.Error(t, err)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{" 5 ", 5 * time.Second},
		{"-3", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseRetryAfter(tt.in, now), tt.in)
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header     string
		start, end int64
		total      int64
		wantErr    bool
	}{
		{"bytes 0-0/1234", 0, 0, 1234, false},
		{"bytes 100-199/1000", 100, 199, 1000, false},
		{"bytes 0-99/*", 0, 99, -1, false},
		{"bytes 0-99", 0, 0, 0, true},
		{"bytes a-99/100", 0, 0, 0, true},
		{"bytes 0-99/lots", 0, 0, 0, true},
	}
	for _, tt := range tests {
		start, end, total, err := ParseContentRange(tt.header)
		if tt.wantErr {
			assert.Error(t, err, tt.header)
			continue
		}
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.start, start, tt.header)
		assert.Equal(t, tt.end, end, tt.header)
		assert.Equal(t, tt.total, total, tt.header)
	}
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"askpdf/types"
)

func ndjsonServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat", r.URL.Path)
		var params types.QueryParams
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "What is the refund policy?", params.Query)
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range lines {
			fmt.Fprintln(w, l)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAsk_DeliversEventsInOrder(t *testing.T) {
	srv := ndjsonServer(t,
		`{"type":"metadata","sources":["policy.pdf"]}`,
		`{"type":"content","content":"Refunds "}`,
		``,
		`{"type":"content","content":"within 30 days."}`,
		`{"type":"done","content":"Refunds within 30 days.","sources":["policy.pdf"]}`,
	)
	var got []types.StreamEvent

	err := New(srv.URL+"/").Ask(context.Background(), "What is the refund policy?", func(ev types.StreamEvent) error {
		got = append(got, ev)
		return nil
	})

	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"policy.pdf"}, got[0].Sources)
	assert.Equal(t, "within 30 days.", got[2].Content)
	assert.Equal(t, types.EventDone, got[3].Type)
}

func TestAsk_Truncated(t *testing.T) {
	srv := ndjsonServer(t,
		`{"type":"metadata","sources":[]}`,
		`{"type":"content","content":"Refu"}`,
	)

	err := New(srv.URL).Ask(context.Background(), "What is the refund policy?", func(types.StreamEvent) error { return nil })

	assert.ErrorIs(t, err, ErrTruncated)
}

func TestAsk_LargeDoneEvent(t *testing.T) {
	answer := strings.Repeat("Refunds are accepted within 30 days. ", 64<<10)
	done, err := json.Marshal(map[string]any{"type": "done", "content": answer, "sources": []string{"policy.pdf"}})
	require.NoError(t, err)
	srv := ndjsonServer(t, `{"type":"metadata","sources":["policy.pdf"]}`, string(done))
	var last types.StreamEvent

	err = New(srv.URL).Ask(context.Background(), "What is the refund policy?", func(ev types.StreamEvent) error {
		last = ev
		return nil
	})

	require.NoError(t, err)
	assert.Greater(t, len(done), 2<<20)
	assert.Equal(t, types.EventDone, last.Type)
	assert.Equal(t, answer, last.Content)
}

func TestAsk_CutMidEvent(t *testing.T) {
	srv := ndjsonServer(t,
		`{"type":"metadata","sources":[]}`,
		`{"type":"content","content":"Ref`,
	)

	err := New(srv.URL).Ask(context.Background(), "What is the refund policy?", func(types.StreamEvent) error { return nil })

	assert.ErrorIs(t, err, ErrTruncated)
}

func TestAsk_CallbackErrorStops(t *testing.T) {
	srv := ndjsonServer(t,
		`{"type":"metadata","sources":[]}`,
		`{"type":"content","content":"a"}`,
		`{"type":"content","content":"b"}`,
		`{"type":"done","content":"ab","sources":[]}`,
	)
	stop := errors.New("stop")
	calls := 0

	err := New(srv.URL).Ask(context.Background(), "What is the refund policy?", func(types.StreamEvent) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})

	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}

func TestAsk_CancelClosesConnection(t *testing.T) {
	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"metadata","sources":[]}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(closed)
	}))
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())

	err := New(srv.URL).Ask(ctx, "q", func(ev types.StreamEvent) error {
		if ev.Type == types.EventMetadata {
			cancel()
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the connection close")
	}
}

func TestAsk_StructuredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":400,"reason":"query_required","error":"query parameter is required"}`)
	}))
	defer srv.Close()

	err := New(srv.URL).Ask(context.Background(), "", func(types.StreamEvent) error { return nil })

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "query_required", apiErr.Reason)
}

func TestAsk_PlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL).Ask(context.Background(), "q", func(types.StreamEvent) error { return nil })

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "bad gateway", apiErr.Message)
}

func TestUpload(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload/pdf", r.URL.Path)
		f, fh, err := r.FormFile("pdf")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "policy.pdf", fh.Filename)
		assert.Equal(t, "%PDF-1.4 test", string(data))
		json.NewEncoder(w).Encode(types.UploadResponse{Message: "PDF uploaded successfully", Filename: fh.Filename, JobID: id.String()})
	}))
	defer srv.Close()
	path := filepath.Join(t.TempDir(), "policy.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 test"), 0o644))

	out, err := New(srv.URL).Upload(context.Background(), path)

	require.NoError(t, err)
	assert.Equal(t, id.String(), out.JobID)
}

func TestUpload_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		io.WriteString(w, `{"code":415,"reason":"unsupported_media_type","error":"only PDF files are accepted, got text/plain"}`)
	}))
	defer srv.Close()
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	_, err := New(srv.URL).Upload(context.Background(), path)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "unsupported_media_type", apiErr.Reason)
}

func TestUpload_MissingFile(t *testing.T) {
	_, err := New("http://127.0.0.1:1").Upload(context.Background(), filepath.Join(t.TempDir(), "nope.pdf"))

	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestJob(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs/"+id.String(), r.URL.Path)
		fmt.Fprintf(w, `{"id":%q,"filename":"policy.pdf","status":"succeeded","attempts":1,"chunks":7}`, id)
	}))
	defer srv.Close()

	info, err := New(srv.URL).Job(context.Background(), id)

	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, info.Status)
	assert.Equal(t, 7, info.Chunks)
}

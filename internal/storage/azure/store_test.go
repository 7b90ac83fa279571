package azure

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/cloudvol/pkg/errors"
	"github.com/objectfs/cloudvol/pkg/types"
)

// azurite well-known development account
const testConnectionString = "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;" +
	"AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFTTOtr/KBHBeksoGMGw==;" +
	"BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;"

type recorded struct {
	req  *http.Request
	body string
}

type transport struct {
	mu       sync.Mutex
	requests []recorded
	respond  func(*http.Request) (int, http.Header, string)
}

func (tr *transport) Do(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	tr.mu.Lock()
	tr.requests = append(tr.requests, recorded{req: req, body: body})
	tr.mu.Unlock()

	status, header, respBody := http.StatusOK, http.Header{}, ""
	if tr.respond != nil {
		status, header, respBody = tr.respond(req)
	}
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(respBody)),
		ContentLength: int64(len(respBody)),
		Request:       req,
	}, nil
}

func (tr *transport) last() recorded {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.requests[len(tr.requests)-1]
}

func newTestStore(t *testing.T, tr *transport) *Store {
	t.Helper()
	s, err := NewStore(Config{
		Container:        "data",
		ConnectionString: testConnectionString,
		Transport:        tr,
	}, nil)
	require.NoError(t, err)
	return s
}

func TestNewStore_Validation(t *testing.T) {
	_, err := NewStore(Config{ConnectionString: testConnectionString}, nil)
	assert.Equal(t, errors.ErrCodeMissingConfig, errors.CodeOf(err))

	_, err = NewStore(Config{Container: "data"}, nil)
	assert.Equal(t, errors.ErrCodeMissingConfig, errors.CodeOf(err))

	_, err = NewStore(Config{Container: "data", ConnectionString: "garbage"}, nil)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
}

func TestBlockID_FixedWidth(t *testing.T) {
	a := blockID("0a1b2c3d4e5f", 1)
	b := blockID("0a1b2c3d4e5f", 10000)
	assert.Len(t, b, len(a))

	raw, err := base64.StdEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Equal(t, "0a1b2c3d4e5f-00000001", string(raw))
}

func TestStore_GetRange(t *testing.T) {
	tr := &transport{respond: func(*http.Request) (int, http.Header, string) {
		return http.StatusPartialContent, http.Header{"Content-Length": []string{"4"}}, "3456"
	}}
	s := newTestStore(t, tr)

	data, err := s.Get(context.Background(), "run.h5", 3, 4)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(data))

	req := tr.last().req
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/devstoreaccount1/data/run.h5", req.URL.Path)
	assert.Equal(t, "bytes=3-6", req.Header.Get("x-ms-range"))
}

func TestStore_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		check  func(error) bool
	}{
		{"blob not found", http.StatusNotFound, "BlobNotFound", errors.IsNotFound},
		{"server busy", http.StatusServiceUnavailable, "ServerBusy", errors.IsTransient},
		{"bad key", http.StatusForbidden, "AuthenticationFailed", errors.IsAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &transport{respond: func(*http.Request) (int, http.Header, string) {
				return tt.status, http.Header{"X-Ms-Error-Code": []string{tt.code}}, ""
			}}
			s := newTestStore(t, tr)

			_, err := s.Get(context.Background(), "run.h5", 0, 0)
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
			assert.Len(t, tr.requests, 1, "no client-side retries")

			v, ok := errors.As(err)
			require.True(t, ok)
			assert.Equal(t, "azure", v.Component)
		})
	}
}

func TestStore_PutAndDelete(t *testing.T) {
	tr := &transport{respond: func(req *http.Request) (int, http.Header, string) {
		if req.Method == http.MethodDelete {
			return http.StatusNotFound, http.Header{"X-Ms-Error-Code": []string{"BlobNotFound"}}, ""
		}
		return http.StatusCreated, http.Header{"X-Ms-Version-Id": []string{"2026-10-19T00:00:00Z"}}, ""
	}}
	s := newTestStore(t, tr)

	version, err := s.Put(context.Background(), "run.h5", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "2026-10-19T00:00:00Z", version)

	put := tr.last()
	assert.Equal(t, http.MethodPut, put.req.Method)
	assert.Equal(t, "hello", put.body)
	assert.Equal(t, "application/x-hdf5", put.req.Header.Get("x-ms-blob-content-type"))

	assert.NoError(t, s.Delete(context.Background(), "run.h5"))
}

func TestStore_BlockUpload(t *testing.T) {
	tr := &transport{respond: func(*http.Request) (int, http.Header, string) {
		return http.StatusCreated, http.Header{"Etag": []string{`"0x1"`}}, ""
	}}
	s := newTestStore(t, tr)
	ctx := context.Background()

	session, err := s.BeginMultipart(ctx, "big.h5")
	require.NoError(t, err)
	assert.Len(t, session.UploadID, 12)
	assert.Empty(t, tr.requests, "begin is local")

	var tags []types.PartTag
	for i, chunk := range []string{"aaa", "bbb", "c"} {
		tag, err := s.UploadPart(ctx, session, i+1, []byte(chunk))
		require.NoError(t, err)
		staged := tr.last()
		assert.Equal(t, "block", staged.req.URL.Query().Get("comp"))
		assert.Equal(t, blockID(session.UploadID, i+1), staged.req.URL.Query().Get("blockid"))
		tags = append(tags, tag)
	}

	version, err := s.CompleteMultipart(ctx, session, tags)
	require.NoError(t, err)
	assert.Equal(t, `"0x1"`, version)

	commit := tr.last()
	assert.Equal(t, "blocklist", commit.req.URL.Query().Get("comp"))
	first := strings.Index(commit.body, blockID(session.UploadID, 1))
	third := strings.Index(commit.body, blockID(session.UploadID, 3))
	assert.True(t, first >= 0 && third > first, "blocks committed in part order")

	calls := len(tr.requests)
	require.NoError(t, s.AbortMultipart(ctx, session))
	assert.Len(t, tr.requests, calls, "abort is local")
}

func TestStore_Describe(t *testing.T) {
	s := newTestStore(t, &transport{})
	assert.Equal(t, "Azure", s.Platform())
	assert.Equal(t, "data", s.Bucket())
	assert.NoError(t, s.Close())
}

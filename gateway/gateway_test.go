package gateway

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ef-rpc/policy"
	"ef-rpc/server"
)

type Calc struct{}

func (Calc) Add(a, b int) int { return a + b }

func (Calc) Div(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

func (Calc) Repeat(s string, n int) string { return strings.Repeat(s, n) }

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	svr := server.NewServer()
	_, err := svr.Register("Calc", "1.0", Calc{}, policy.Set{})
	require.NoError(t, err)
	svr.Start()

	h, err := NewHandler(svr.Router(), nil)
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, args CallArgs, gzipped bool) *http.Response {
	t.Helper()
	body, err := json2.EncodeClientRequest("Dispatch.Call", args)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if gzipped {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCall(t *testing.T) {
	ts := newGateway(t)
	resp := post(t, ts, CallArgs{
		Service: "Calc", Method: "Add", Version: "1.0",
		Args: []json.RawMessage{[]byte("10"), []byte("20")},
	}, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply CallReply
	require.NoError(t, json2.DecodeClientResponse(resp.Body, &reply))
	assert.Equal(t, 200, reply.StatusCode)
	assert.JSONEq(t, "30", string(reply.Result))
	assert.NotEmpty(t, reply.RequestID)
}

func TestCallFailures(t *testing.T) {
	ts := newGateway(t)
	cases := []struct {
		name string
		args CallArgs
		code json2.ErrorCode
		kind string
	}{
		{"unknown method", CallArgs{Service: "Calc", Method: "Mul", Version: "1.0"}, json2.E_NO_METHOD, "METHOD_NOT_FOUND"},
		{"unknown service", CallArgs{Service: "Nope", Method: "Add"}, json2.E_NO_METHOD, "SERVICE_NOT_FOUND"},
		{"application error", CallArgs{Service: "Calc", Method: "Div", Version: "1.0",
			Args: []json.RawMessage{[]byte("1"), []byte("0")}}, json2.E_SERVER, "APPLICATION_ERROR"},
		{"missing service", CallArgs{Method: "Add"}, json2.E_BAD_PARAMS, "INVALID_ARGUMENT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := post(t, ts, tc.args, false)
			var reply CallReply
			err := json2.DecodeClientResponse(resp.Body, &reply)
			var jerr *json2.Error
			require.ErrorAs(t, err, &jerr)
			assert.Equal(t, tc.code, jerr.Code)
			data, ok := jerr.Data.(map[string]any)
			require.True(t, ok, "error data %T", jerr.Data)
			assert.Equal(t, tc.kind, data["code"])
		})
	}
}

func TestGzipResponse(t *testing.T) {
	ts := newGateway(t)
	resp := post(t, ts, CallArgs{
		Service: "Calc", Method: "Repeat", Version: "1.0",
		Args: []json.RawMessage{[]byte(`"ab"`), []byte("4096")},
	}, true)
	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	zr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	var reply CallReply
	require.NoError(t, json2.DecodeClientResponse(bytes.NewReader(raw), &reply))
	var s string
	require.NoError(t, json.Unmarshal(reply.Result, &s))
	assert.Len(t, s, 8192)
}

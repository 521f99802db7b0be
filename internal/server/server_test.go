package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/query"
	"PerpSettle/internal/server"
	"PerpSettle/internal/store"
	"PerpSettle/internal/testutil"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var alice = testutil.Account("alice")

type harness struct {
	ctx    context.Context
	conn   *grpc.ClientConn
	http   *httptest.Server
	engine *core.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fx := testutil.NewMarketFixture("DOGE-USD", "DOGE", "DOGE", "USDC")
	backend := store.NewMemoryBackend()
	require.NoError(t, fx.Seed(ctx, backend))

	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	emitter := event.NewEmitter(nil)
	wsSink := emitter.Subscribe("ws", 64)
	eng := core.NewEngine(backend, core.Options{
		Oracle:  oracle.NewValidator(nil, clock.Now),
		Emitter: emitter,
		Now:     clock.Now,
	})

	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	dispatcher := ingestion.NewDispatcher(eng, nil, 8, metrics)
	go dispatcher.Run(ctx)

	qs := query.NewService(backend, eng.Vault(), eng.Tip, nil)
	gs := server.NewGRPCServer("", server.NewSettlementService(qs, dispatcher), metrics)
	lis := bufconn.Listen(1 << 20)
	go gs.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	gw, err := server.NewGateway(conn)
	require.NoError(t, err)
	hub := server.NewEventHub(wsSink, nil, metrics)
	go hub.Run(ctx)

	srv := httptest.NewServer(server.NewRouter(server.RouterDeps{
		Gateway:  gw,
		Hub:      hub,
		Health:   observability.NewHealthChecker(),
		Gatherer: prometheus.NewRegistry(),
	}))
	t.Cleanup(srv.Close)

	return &harness{ctx: ctx, conn: conn, http: srv, engine: eng}
}

func (h *harness) get(t *testing.T, path string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(h.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func (h *harness) createOrder(t *testing.T, id string) ingestion.Result {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"command_id":              id,
		"account":                 alice.Hex(),
		"market":                  "DOGE-USD",
		"type":                    "MarketIncrease",
		"is_long":                 true,
		"collateral_asset":        "USDC",
		"collateral_delta_amount": testutil.Tokens("100", 6),
		"size_delta_usd":          testutil.USD("1000"),
		"execution_fee":           testutil.Tokens("1", 6),
	})
	require.NoError(t, err)

	resp, err := http.Post(h.http.URL+"/v1/commands/create_order", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res ingestion.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res
}

// ============================================================================
// Test: gRPC
// ============================================================================

func TestGRPC_GetStatusOverJSONCodec(t *testing.T) {
	h := newHarness(t)
	var resp query.StatusResponse
	err := h.conn.Invoke(h.ctx, "/"+server.ServiceName+"/GetStatus", &server.StatusRequest{}, &resp,
		grpc.CallContentSubtype(server.CodecName))
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp.Sequence)
}

func TestGRPC_NotFoundAndInvalidArgument(t *testing.T) {
	h := newHarness(t)
	var resp query.OrderResponse

	err := h.conn.Invoke(h.ctx, "/"+server.ServiceName+"/GetOrder", &server.KeyRequest{Key: "missing"}, &resp,
		grpc.CallContentSubtype(server.CodecName))
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = h.conn.Invoke(h.ctx, "/"+server.ServiceName+"/GetOrder", &server.KeyRequest{}, &resp,
		grpc.CallContentSubtype(server.CodecName))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

// ============================================================================
// Test: HTTP gateway
// ============================================================================

func TestGateway_SubmitThenQueryOrder(t *testing.T) {
	h := newHarness(t)

	res := h.createOrder(t, "cmd-1")
	require.True(t, res.OK, res.Error)
	value, ok := res.Value.(map[string]interface{})
	require.True(t, ok)
	key, _ := value["order_key"].(string)
	require.NotEmpty(t, key)

	code, order := h.get(t, "/v1/orders/"+key)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, key, order["key"])
	assert.Equal(t, "1000", order["size"])
	assert.Equal(t, "100", order["deposit"])

	code, page := h.get(t, "/v1/accounts/"+alice.Hex()+"/orders?limit=5")
	require.Equal(t, http.StatusOK, code)
	items, _ := page["items"].([]interface{})
	assert.Len(t, items, 1)

	code, st := h.get(t, "/v1/status")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), st["sequence"], "OrderCreated + Transfer")
}

func TestGateway_ErrorCodes(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		path string
		want int
	}{
		{"/v1/orders/missing", http.StatusNotFound},
		{"/v1/markets/NOPE-USD", http.StatusNotFound},
		{"/v1/markets/DOGE-USD/adl/up", http.StatusBadRequest},
		{"/v1/accounts/not-an-address/orders", http.StatusBadRequest},
		{"/v1/accounts/" + alice.Hex() + "/orders?limit=-1", http.StatusBadRequest},
		{"/v1/accounts/" + alice.Hex() + "/history", http.StatusServiceUnavailable},
		{"/v1/accounts/" + alice.Hex() + "/balances", http.StatusServiceUnavailable},
		{"/v1/accounts/" + alice.Hex() + "/trades?before=x", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			code, _ := h.get(t, tc.path)
			assert.Equal(t, tc.want, code)
		})
	}
}

func TestGateway_RejectsMalformedCommand(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Post(h.http.URL+"/v1/commands/claim", "application/json", strings.NewReader(`{"command_id":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_Health(t *testing.T) {
	h := newHarness(t)
	code, body := h.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])

	code, _ = h.get(t, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

// ============================================================================
// Test: WebSocket
// ============================================================================

func TestEventHub_StreamsCommittedEvents(t *testing.T) {
	h := newHarness(t)

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/v1/ws?market=DOGE-USD"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	// Registration is asynchronous; keep submitting until the first event
	// arrives.
	got := make(chan event.Envelope, 8)
	go func() {
		for {
			var env event.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				close(got)
				return
			}
			got <- env
		}
	}()

	var first event.Envelope
	deadline := time.After(2 * time.Second)
	for n := 0; first.Type == event.EventTypeUnknown; n++ {
		h.createOrder(t, "ws-"+strconv.Itoa(n))
		select {
		case env, ok := <-got:
			require.True(t, ok, "websocket closed")
			first = env
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received")
		}
	}

	assert.Equal(t, event.EventTypeOrderCreated, first.Type)
	assert.Equal(t, "DOGE-USD", first.MarketID)
}

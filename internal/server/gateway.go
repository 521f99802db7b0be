package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxCommandBody = 1 << 20

// Gateway proxies HTTP/JSON to the settlement gRPC service. Routes are
// registered with HandlePath since the service carries JSON rather than
// generated protobuf stubs.
type Gateway struct {
	mux  *runtime.ServeMux
	conn grpc.ClientConnInterface
}

// NewGateway builds the REST routes on top of conn.
func NewGateway(conn grpc.ClientConnInterface) (*Gateway, error) {
	g := &Gateway{mux: runtime.NewServeMux(), conn: conn}

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"GET", "/v1/status", g.getStatus},
		{"GET", "/v1/integrity", g.verifyIntegrity},
		{"GET", "/v1/markets/{market_id}", g.getMarket},
		{"GET", "/v1/markets/{market_id}/adl/{side}", g.getAdlState},
		{"GET", "/v1/positions/{key}", g.getPosition},
		{"GET", "/v1/orders/{key}", g.getOrder},
		{"GET", "/v1/accounts/{account}/positions", g.listPositions},
		{"GET", "/v1/accounts/{account}/orders", g.listOrders},
		{"GET", "/v1/accounts/{account}/claimable/{asset}", g.getClaimable},
		{"GET", "/v1/accounts/{account}/history", g.getHistory},
		{"GET", "/v1/accounts/{account}/balances", g.getBalances},
		{"GET", "/v1/accounts/{account}/trades", g.getTrades},
		{"POST", "/v1/commands/{command}", g.submitCommand},
	}
	for _, r := range routes {
		if err := g.mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, errors.Wrapf(err, "register %s %s", r.method, r.pattern)
		}
	}
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return g.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(CodecName))
}

func (g *Gateway) call(w http.ResponseWriter, r *http.Request, method string, req, resp interface{}) {
	if err := g.invoke(r.Context(), method, req, resp); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	runtime.HTTPError(r.Context(), g.mux, &runtime.JSONPb{}, w, r, err)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (g *Gateway) getStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var resp json.RawMessage
	g.call(w, r, "GetStatus", &StatusRequest{}, &resp)
}

func (g *Gateway) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var resp json.RawMessage
	g.call(w, r, "VerifyIntegrity", &IntegrityRequest{}, &resp)
}

func (g *Gateway) getMarket(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var resp json.RawMessage
	g.call(w, r, "GetMarket", &MarketRequest{MarketID: p["market_id"]}, &resp)
}

func (g *Gateway) getAdlState(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var isLong bool
	switch p["side"] {
	case "long":
		isLong = true
	case "short":
	default:
		g.writeError(w, r, status.Error(codes.InvalidArgument, "side must be long or short"))
		return
	}
	var resp json.RawMessage
	g.call(w, r, "GetAdlState", &AdlRequest{MarketID: p["market_id"], IsLong: isLong}, &resp)
}

func (g *Gateway) getPosition(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var resp json.RawMessage
	g.call(w, r, "GetPosition", &KeyRequest{Key: p["key"]}, &resp)
}

func (g *Gateway) getOrder(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var resp json.RawMessage
	g.call(w, r, "GetOrder", &KeyRequest{Key: p["key"]}, &resp)
}

func (g *Gateway) listRequest(w http.ResponseWriter, r *http.Request, p map[string]string) (*ListRequest, bool) {
	account, ok := g.account(w, r, p)
	if !ok {
		return nil, false
	}
	limit, ok := g.intParam(w, r, "limit")
	if !ok {
		return nil, false
	}
	return &ListRequest{Account: account, Cursor: r.URL.Query().Get("cursor"), Limit: int(limit)}, true
}

func (g *Gateway) listPositions(w http.ResponseWriter, r *http.Request, p map[string]string) {
	req, ok := g.listRequest(w, r, p)
	if !ok {
		return
	}
	var resp json.RawMessage
	g.call(w, r, "ListPositions", req, &resp)
}

func (g *Gateway) listOrders(w http.ResponseWriter, r *http.Request, p map[string]string) {
	req, ok := g.listRequest(w, r, p)
	if !ok {
		return
	}
	var resp json.RawMessage
	g.call(w, r, "ListOrders", req, &resp)
}

func (g *Gateway) getClaimable(w http.ResponseWriter, r *http.Request, p map[string]string) {
	account, ok := g.account(w, r, p)
	if !ok {
		return
	}
	var resp json.RawMessage
	g.call(w, r, "GetClaimable", &ClaimableRequest{Account: account, Asset: p["asset"]}, &resp)
}

// getHistory lists journals touching an account's claimable balances, or
// an order, position or market when owner is given as a query parameter.
func (g *Gateway) getHistory(w http.ResponseWriter, r *http.Request, p map[string]string) {
	account, ok := g.account(w, r, p)
	if !ok {
		return
	}
	limit, ok := g.intParam(w, r, "limit")
	if !ok {
		return
	}
	before, ok := g.intParam(w, r, "before")
	if !ok {
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = account.Hex()
	}
	var resp json.RawMessage
	g.call(w, r, "GetJournalHistory", &HistoryRequest{Owner: lowerHex(owner), Limit: int(limit), BeforeSequence: before}, &resp)
}

// getBalances reads the balance projection for the account's claimable
// balances, or for ?owner (an order, position or market key).
func (g *Gateway) getBalances(w http.ResponseWriter, r *http.Request, p map[string]string) {
	account, ok := g.account(w, r, p)
	if !ok {
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = account.Hex()
	}
	var resp json.RawMessage
	g.call(w, r, "GetBalances", &BalancesRequest{Owner: lowerHex(owner)}, &resp)
}

func (g *Gateway) getTrades(w http.ResponseWriter, r *http.Request, p map[string]string) {
	account, ok := g.account(w, r, p)
	if !ok {
		return
	}
	limit, ok := g.intParam(w, r, "limit")
	if !ok {
		return
	}
	before, ok := g.intParam(w, r, "before")
	if !ok {
		return
	}
	var resp json.RawMessage
	g.call(w, r, "GetTrades", &TradesRequest{Account: account, Limit: int(limit), BeforeSequence: before}, &resp)
}

func (g *Gateway) submitCommand(w http.ResponseWriter, r *http.Request, p map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		g.writeError(w, r, status.Error(codes.InvalidArgument, "read body"))
		return
	}
	var resp json.RawMessage
	g.call(w, r, "SubmitCommand", &CommandRequest{Command: p["command"], Body: body}, &resp)
}

func (g *Gateway) account(w http.ResponseWriter, r *http.Request, p map[string]string) (common.Address, bool) {
	raw := p["account"]
	if !common.IsHexAddress(raw) {
		g.writeError(w, r, status.Errorf(codes.InvalidArgument, "invalid account %q", raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (g *Gateway) intParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		g.writeError(w, r, status.Errorf(codes.InvalidArgument, "invalid %s %q", name, raw))
		return 0, false
	}
	return v, true
}

// lowerHex normalises hex addresses to the form used in ledger paths.
func lowerHex(owner string) string {
	if common.IsHexAddress(owner) {
		return strings.ToLower(owner)
	}
	return owner
}

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"golang.org/x/time/rate"

	"NFTLend/internal/core"
	"NFTLend/internal/event"
	"NFTLend/internal/ingestion"
	"NFTLend/internal/observability"
	"NFTLend/internal/types"
)

const maxBodyBytes = 1 << 20

var jsonMarshaler = &runtime.JSONBuiltin{}

// NewGateway builds the REST surface. Handlers call the Service in process
// and share its error mapping with gRPC. limiter may be nil.
func NewGateway(svc *Service, limiter *rate.Limiter, metrics *observability.Metrics) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"POST", "/v1/commands/{entity}/{message_type}", limited(limiter, metrics, svc.httpSubmit)},
		{"POST", "/v1/admin/loans/{loan}/oracle-price", svc.httpInjectPrice},
		{"POST", "/v1/admin/snapshots", svc.httpSnapshot},
		{"POST", "/v1/admin/projections/rebuild", svc.httpRebuild},
		{"GET", "/v1/admin/integrity", svc.httpIntegrity},
		{"GET", "/v1/entities/{entity}", svc.httpView},
		{"GET", "/v1/entities/{entity}/getters/{name}", svc.httpGetter},
		{"GET", "/v1/entities/{entity}/events", svc.httpEntityEvents},
		{"GET", "/v1/entities/{entity}/projection", svc.httpProjectedEntity},
		{"GET", "/v1/entities/{entity}/custody", svc.httpCustody},
		{"GET", "/v1/pools/{pool}/positions/{provider}", svc.httpPoolPosition},
		{"GET", "/v1/owners/{owner}/journals", svc.httpJournals},
		{"GET", "/v1/wallets/{address}/balance", svc.httpWalletBalance},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func limited(limiter *rate.Limiter, metrics *observability.Metrics, next runtime.HandlerFunc) runtime.HandlerFunc {
	if limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		if !limiter.Allow() {
			if metrics != nil {
				metrics.RateLimited.WithLabelValues("http").Inc()
			}
			writeJSON(w, http.StatusTooManyRequests, errorBody{Code: "ResourceExhausted", Message: "submit rate limit exceeded"})
			return
		}
		next(w, r, params)
	}
}

func (s *Service) httpSubmit(w http.ResponseWriter, r *http.Request, p map[string]string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: read body: %v", core.ErrInvalidCommand, err))
		return
	}
	resp, err := s.Submit(r.Context(), "http", event.MessageType(p["message_type"]), body, ingestion.Route{Entity: types.EntityID(p["entity"])})
	respond(w, resp, err)
}

type injectPriceRequest struct {
	Sender    types.Address `json:"sender"`
	Price     int64         `json:"price"`
	UpdatedAt int64         `json:"updated_at"`
}

func (s *Service) httpInjectPrice(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var req injectPriceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", core.ErrInvalidCommand, err))
		return
	}
	resp, err := s.InjectOraclePrice(r.Context(), types.EntityID(p["loan"]), req.Sender, req.Price, req.UpdatedAt)
	respond(w, resp, err)
}

func (s *Service) httpSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.TakeSnapshot(r.Context())
	respond(w, resp, err)
}

func (s *Service) httpRebuild(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	err := s.RebuildProjections(r.Context())
	respond(w, map[string]bool{"rebuilt": err == nil}, err)
}

func (s *Service) httpIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.VerifyIntegrity(r.Context())
	respond(w, resp, err)
}

func (s *Service) httpView(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := s.View(r.Context(), types.EntityID(p["entity"]))
	respond(w, resp, err)
}

func (s *Service) httpGetter(w http.ResponseWriter, r *http.Request, p map[string]string) {
	v, err := s.Getter(r.Context(), types.EntityID(p["entity"]), p["name"], types.Address(r.URL.Query().Get("arg")))
	respond(w, map[string]any{"entity": p["entity"], "name": p["name"], "value": v}, err)
}

func (s *Service) httpEntityEvents(w http.ResponseWriter, r *http.Request, p map[string]string) {
	limit, before, err := queryPaging(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.EntityEvents(r.Context(), types.EntityID(p["entity"]), limit, before)
	respond(w, map[string]any{"events": events}, err)
}

func (s *Service) httpProjectedEntity(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := s.ProjectedEntity(r.Context(), types.EntityID(p["entity"]))
	respond(w, resp, err)
}

func (s *Service) httpCustody(w http.ResponseWriter, r *http.Request, p map[string]string) {
	balances, err := s.CustodyBalances(r.Context(), types.EntityID(p["entity"]))
	respond(w, map[string]any{"balances": balances}, err)
}

func (s *Service) httpPoolPosition(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := s.PoolPosition(r.Context(), types.EntityID(p["pool"]), types.Address(p["provider"]))
	respond(w, resp, err)
}

func (s *Service) httpJournals(w http.ResponseWriter, r *http.Request, p map[string]string) {
	limit, before, err := queryPaging(r)
	if err != nil {
		writeError(w, err)
		return
	}
	journals, err := s.JournalHistory(r.Context(), p["owner"], limit, before)
	respond(w, map[string]any{"journals": journals}, err)
}

func (s *Service) httpWalletBalance(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := s.WalletBalance(r.Context(), types.Address(p["address"]))
	respond(w, resp, err)
}

func queryPaging(r *http.Request) (int, int64, error) {
	q := r.URL.Query()
	var (
		limit  int64
		before int64
		err    error
	)
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.ParseInt(v, 10, 32); err != nil {
			return 0, 0, fmt.Errorf("%w: limit: %v", core.ErrInvalidCommand, err)
		}
	}
	if v := q.Get("before_sequence"); v != "" {
		if before, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("%w: before_sequence: %v", core.ErrInvalidCommand, err)
		}
	}
	return int(limit), before, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeError(w http.ResponseWriter, err error) {
	st := toStatus(err)
	body := errorBody{Code: st.Code().String(), Message: st.Message()}
	if reason := failureReason(err); reason != "" {
		body.Reason = reason
	}
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := jsonMarshaler.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", jsonMarshaler.ContentType(v))
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

package server

import (
	"PredictionLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// HTTPGateway serves the MarketService as HTTP/JSON for tooling, dashboards
// and curl. Routes live on a grpc-gateway ServeMux and call the service
// in-process.
type HTTPGateway struct {
	httpServer *http.Server
	handler    http.Handler
	logger     zerolog.Logger
}

type GatewayConfig struct {
	Addr          string
	RatePerSecond float64
	RateBurst     int
}

func NewHTTPGateway(cfg GatewayConfig, svc MarketServer, healthChecker *observability.HealthChecker,
	metrics *observability.Metrics, logger zerolog.Logger) (*HTTPGateway, error) {
	gw := runtime.NewServeMux()
	if err := registerRoutes(gw, svc); err != nil {
		return nil, err
	}

	// Health endpoints bypass the rate limiter
	mux := http.NewServeMux()
	if healthChecker != nil {
		mux.HandleFunc("/healthz", healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
	}

	var api http.Handler = gw
	if cfg.RatePerSecond > 0 {
		api = RateLimit(NewRateLimiter(cfg.RatePerSecond, cfg.RateBurst), metrics)(api)
	}
	mux.Handle("/", api)

	handler := Logging(logger)(mux)
	return &HTTPGateway{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		handler: handler,
		logger:  logger,
	}, nil
}

// Handler exposes the full middleware chain
func (g *HTTPGateway) Handler() http.Handler { return g.handler }

// Serve blocks until ctx is done, then shuts down within 5s
func (g *HTTPGateway) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		g.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.httpServer.Shutdown(shutdownCtx)
	}()

	g.logger.Info().Str("addr", g.httpServer.Addr).Msg("HTTP gateway listening")
	if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func registerRoutes(mux *runtime.ServeMux, svc MarketServer) error {
	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"POST", "/v1/commands/{op}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, status.Errorf(codes.InvalidArgument, "MALFORMED: read body: %v", err))
				return
			}
			ctx := r.Context()
			if hdr := r.Header.Get(CallerHeader); hdr != "" {
				caller, err := parseCaller(hdr)
				if err != nil {
					writeError(w, toStatus(err))
					return
				}
				ctx = WithCaller(ctx, caller)
			}
			v, err := svc.Execute(ctx, &CommandRequest{Op: p["op"], Command: body})
			respond(w, v, err)
		}},
		{"GET", "/v1/markets", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			limit, before, err := paging(r)
			if err != nil {
				writeError(w, err)
				return
			}
			v, err := svc.ListMarkets(r.Context(), &ListMarketsRequest{
				State: r.URL.Query().Get("state"), Limit: limit, BeforeSequence: before,
			})
			respond(w, v, err)
		}},
		{"GET", "/v1/markets/{market}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			v, err := svc.GetMarket(r.Context(), &MarketRequest{Market: p["market"]})
			respond(w, v, err)
		}},
		{"GET", "/v1/markets/{market}/positions/{account}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			v, err := svc.GetPosition(r.Context(), &PositionRequest{Market: p["market"], Account: p["account"]})
			respond(w, v, err)
		}},
		{"GET", "/v1/markets/{market}/quote", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			q := r.URL.Query()
			v, err := svc.Quote(r.Context(), &QuoteRequest{Market: p["market"], Side: q.Get("side"), Amount: q.Get("amount")})
			respond(w, v, err)
		}},
		{"GET", "/v1/markets/{market}/trades", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			limit, before, err := paging(r)
			if err != nil {
				writeError(w, err)
				return
			}
			v, err := svc.GetTrades(r.Context(), &HistoryRequest{Market: p["market"], Limit: limit, BeforeSequence: before})
			respond(w, v, err)
		}},
		{"GET", "/v1/markets/{market}/journals", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			limit, before, err := paging(r)
			if err != nil {
				writeError(w, err)
				return
			}
			v, err := svc.GetJournals(r.Context(), &HistoryRequest{Market: p["market"], Limit: limit, BeforeSequence: before})
			respond(w, v, err)
		}},
		{"GET", "/v1/balances/{account}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			v, err := svc.GetBalance(r.Context(), &BalanceRequest{Account: p["account"], Asset: r.URL.Query().Get("asset")})
			respond(w, v, err)
		}},
		{"GET", "/v1/admin/integrity", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			v, err := svc.VerifyIntegrity(r.Context(), &IntegrityRequest{})
			respond(w, v, err)
		}},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// respond writes either the result or the error
func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func paging(r *http.Request) (limit int, before *int64, err error) {
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			return 0, nil, status.Errorf(codes.InvalidArgument, "MALFORMED: limit %q", s)
		}
	}
	if s := q.Get("before"); s != "" {
		seq, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, nil, status.Errorf(codes.InvalidArgument, "MALFORMED: before %q", s)
		}
		before = &seq
	}
	return limit, before, nil
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// writeError splits a "<CODE>: <message>" status back into its parts
func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	code, msg, ok := strings.Cut(st.Message(), ": ")
	if !ok {
		code, msg = st.Code().String(), st.Message()
	}
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{Code: code, Error: msg})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

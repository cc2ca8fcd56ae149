package server

import (
	"PredictionLedger/internal/core"
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/ingestion"
	"PredictionLedger/internal/market"
	"PredictionLedger/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CallerHeader names the caller's address. It arrives as gRPC metadata or
// as an HTTP header; authenticating it is the job of the fronting proxy.
const CallerHeader = "x-caller"

var ErrMissingCaller = errors.New("missing caller")

// --- Request / response messages (JSON codec on both transports) ---

type CommandRequest struct {
	Op      string          `json:"op"`
	Command json.RawMessage `json:"command"`
}

type CommandResponse struct {
	Duplicate bool        `json:"duplicate"`
	Sequence  int64       `json:"sequence"`
	Market    string      `json:"market,omitempty"`
	Amount    string      `json:"amount,omitempty"`
	Events    []EventView `json:"events,omitempty"`
}

type EventView struct {
	Type    string      `json:"type"`
	Payload event.Event `json:"payload"`
}

type MarketRequest struct {
	Market string `json:"market"`
}

type PositionRequest struct {
	Market  string `json:"market"`
	Account string `json:"account"`
}

type QuoteRequest struct {
	Market string `json:"market"`
	Side   string `json:"side"`
	Amount string `json:"amount"`
}

type BalanceRequest struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
}

type ListMarketsRequest struct {
	State          string `json:"state"`
	Limit          int    `json:"limit"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type ListMarketsResponse struct {
	Markets []query.MarketSummary `json:"markets"`
}

type HistoryRequest struct {
	Market         string `json:"market"`
	Limit          int    `json:"limit"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type TradesResponse struct {
	Trades []query.TradeView `json:"trades"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type IntegrityRequest struct{}

// MarketServer is the predictionmarket.v1.MarketService contract
type MarketServer interface {
	Execute(ctx context.Context, req *CommandRequest) (*CommandResponse, error)
	GetMarket(ctx context.Context, req *MarketRequest) (*query.MarketView, error)
	GetPosition(ctx context.Context, req *PositionRequest) (*query.PositionView, error)
	Quote(ctx context.Context, req *QuoteRequest) (*query.QuoteView, error)
	GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceView, error)
	ListMarkets(ctx context.Context, req *ListMarketsRequest) (*ListMarketsResponse, error)
	GetTrades(ctx context.Context, req *HistoryRequest) (*TradesResponse, error)
	GetJournals(ctx context.Context, req *HistoryRequest) (*JournalsResponse, error)
	VerifyIntegrity(ctx context.Context, req *IntegrityRequest) (*query.IntegrityReport, error)
}

// Service implements MarketServer over the core and the query service.
// Errors it returns are gRPC statuses; the HTTP gateway converts them.
type Service struct {
	exec ingestion.Executor
	qs   *query.QueryService
	now  func() time.Time
}

func NewService(exec ingestion.Executor, qs *query.QueryService) *Service {
	return &Service{exec: exec, qs: qs, now: time.Now}
}

var _ MarketServer = (*Service)(nil)

func (s *Service) Execute(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	cmd, err := ingestion.ParseCallerCommand(req.Command, req.Op, caller, s.now().UTC())
	if err != nil {
		return nil, toStatus(err)
	}

	res, err := s.exec.Execute(ctx, cmd)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &CommandResponse{Duplicate: res.Duplicate, Sequence: res.Sequence}
	if res.Market != (common.Address{}) {
		resp.Market = res.Market.Hex()
	}
	if res.Amount != nil {
		resp.Amount = res.Amount.Dec()
	}
	for _, evt := range res.Events {
		resp.Events = append(resp.Events, EventView{Type: evt.EventType().String(), Payload: evt})
	}
	return resp, nil
}

func (s *Service) GetMarket(ctx context.Context, req *MarketRequest) (*query.MarketView, error) {
	addr, err := requireAddress("market", req.Market)
	if err != nil {
		return nil, err
	}
	view, err := s.qs.GetMarket(ctx, addr)
	if err != nil {
		return nil, toStatus(err)
	}
	return view, nil
}

func (s *Service) GetPosition(ctx context.Context, req *PositionRequest) (*query.PositionView, error) {
	addr, err := requireAddress("market", req.Market)
	if err != nil {
		return nil, err
	}
	account, err := requireAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	view, err := s.qs.GetPosition(ctx, addr, account)
	if err != nil {
		return nil, toStatus(err)
	}
	return view, nil
}

func (s *Service) Quote(ctx context.Context, req *QuoteRequest) (*query.QuoteView, error) {
	addr, err := requireAddress("market", req.Market)
	if err != nil {
		return nil, err
	}
	side, err := event.ParseSide(req.Side)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s: %v", market.CodeInvalidSide, err)
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "MALFORMED: amount %q: %v", req.Amount, err)
	}
	view, err := s.qs.Quote(ctx, addr, side, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return view, nil
}

func (s *Service) GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceView, error) {
	account, err := requireAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	var asset common.Address
	if req.Asset != "" {
		if asset, err = requireAddress("asset", req.Asset); err != nil {
			return nil, err
		}
	}
	if asset == (common.Address{}) {
		asset = s.qs.CollateralAsset()
	}
	view, err := s.qs.GetBalance(ctx, asset, account)
	if err != nil {
		return nil, toStatus(err)
	}
	return view, nil
}

func (s *Service) ListMarkets(ctx context.Context, req *ListMarketsRequest) (*ListMarketsResponse, error) {
	markets, err := s.qs.ListMarkets(ctx, req.State, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListMarketsResponse{Markets: markets}, nil
}

func (s *Service) GetTrades(ctx context.Context, req *HistoryRequest) (*TradesResponse, error) {
	addr, err := requireAddress("market", req.Market)
	if err != nil {
		return nil, err
	}
	trades, err := s.qs.GetTrades(ctx, addr, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TradesResponse{Trades: trades}, nil
}

func (s *Service) GetJournals(ctx context.Context, req *HistoryRequest) (*JournalsResponse, error) {
	addr, err := requireAddress("market", req.Market)
	if err != nil {
		return nil, err
	}
	entries, err := s.qs.GetJournalHistory(ctx, addr, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalsResponse{Journals: entries}, nil
}

func (s *Service) VerifyIntegrity(ctx context.Context, _ *IntegrityRequest) (*query.IntegrityReport, error) {
	report, err := s.qs.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

// --- caller identity ---

type callerKey struct{}

// WithCaller attaches an already-extracted caller, as the HTTP gateway does
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func callerFrom(ctx context.Context) (common.Address, error) {
	if caller, ok := ctx.Value(callerKey{}).(common.Address); ok {
		return caller, nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return common.Address{}, ErrMissingCaller
	}
	vals := md.Get(CallerHeader)
	if len(vals) == 0 {
		return common.Address{}, ErrMissingCaller
	}
	return parseCaller(vals[0])
}

func parseCaller(s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, ErrMissingCaller
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q is not a hex address", ingestion.ErrMalformedCommand, s)
	}
	return common.HexToAddress(s), nil
}

func requireAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "MALFORMED: %s %q is not a hex address", field, s)
	}
	return common.HexToAddress(s), nil
}

// --- error mapping ---

// ErrorCode extends the core codes with the transport-level ones
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ingestion.ErrMalformedCommand):
		return "MALFORMED"
	case errors.Is(err, ErrMissingCaller):
		return "MISSING_CALLER"
	case errors.Is(err, query.ErrNoDatabase):
		return "UNAVAILABLE"
	}
	return core.ErrorCode(err)
}

var grpcCodes = map[string]codes.Code{
	"MALFORMED":                       codes.InvalidArgument,
	"MISSING_REQUEST_ID":              codes.InvalidArgument,
	market.CodeZeroAmount:             codes.InvalidArgument,
	market.CodeInvalidSide:            codes.InvalidArgument,
	market.CodeInvalidOutcome:         codes.InvalidArgument,
	market.CodeFeeTooHigh:             codes.InvalidArgument,
	market.CodeZeroAddress:            codes.InvalidArgument,
	market.CodeEmptyPool:              codes.InvalidArgument,
	market.CodeOverflow:               codes.InvalidArgument,
	"MISSING_CALLER":                  codes.Unauthenticated,
	market.CodeUnauthorized:           codes.PermissionDenied,
	market.CodeCustodyAccount:         codes.PermissionDenied,
	"MARKET_NOT_FOUND":                codes.NotFound,
	"UNKNOWN_ASSET":                   codes.NotFound,
	market.CodeInvalidState:           codes.FailedPrecondition,
	market.CodeNoPosition:             codes.FailedPrecondition,
	market.CodeCannotRescueCollateral: codes.FailedPrecondition,
	market.CodeTransferFailed:         codes.FailedPrecondition,
	market.CodeReentrant:              codes.Aborted,
	"UNAVAILABLE":                     codes.Unavailable,
}

// toStatus renders err as "<CODE>: <message>" under the matching gRPC code
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	code := ErrorCode(err)
	c, ok := grpcCodes[code]
	if !ok {
		c = codes.Internal
	}
	return status.Errorf(c, "%s: %v", code, err)
}

package ingestion

import (
	"PredictionLedger/internal/core"
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/market"
	"PredictionLedger/internal/registry"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var ErrMalformedCommand = errors.New("malformed command")

// commandJSON is the wire format shared by every command. Field names use
// snake_case to match upstream producers; amounts are decimal strings so
// 256-bit values survive JSON.
type commandJSON struct {
	RequestID   string `json:"request_id"`
	Caller      string `json:"caller"`
	TimestampUs int64  `json:"timestamp_us"`
	Market      string `json:"market"`

	Side    string `json:"side"`
	Outcome string `json:"outcome"`
	Amount  string `json:"amount"`
	FeeBps  *int   `json:"fee_bps"`

	// recipient for SetFeeRecipient, destination for Rescue and Mint,
	// spender for Approve
	Recipient string `json:"recipient"`
	To        string `json:"to"`
	Spender   string `json:"spender"`
	Asset     string `json:"asset"`

	// CreateMarket; question_text is hashed when question is absent
	Question         string `json:"question"`
	QuestionText     string `json:"question_text"`
	ResolveTimestamp int64  `json:"resolve_timestamp"`
	YesPool          string `json:"yes_pool"`
	NoPool           string `json:"no_pool"`
	FeeRecipient     string `json:"fee_recipient"`
	Admin            string `json:"admin"`
	Fund             bool   `json:"fund"`
}

// ParseCommand converts a JSON command into a core.Command. op is the
// command name (the last token of the NATS subject or the RPC method).
// received stamps commands that carry no timestamp of their own.
func ParseCommand(data []byte, op string, received time.Time) (*core.Command, error) {
	return parseCommand(data, op, nil, received)
}

// ParseCallerCommand is ParseCommand for transports that authenticate the
// caller themselves; caller replaces whatever the payload names.
func ParseCallerCommand(data []byte, op string, caller common.Address, received time.Time) (*core.Command, error) {
	return parseCommand(data, op, &caller, received)
}

func parseCommand(data []byte, op string, caller *common.Address, received time.Time) (*core.Command, error) {
	ct, err := core.ParseCommandType(op)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	var j commandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrMalformedCommand, op, err)
	}
	if j.RequestID == "" {
		return nil, fmt.Errorf("%w: request_id is required", ErrMalformedCommand)
	}

	cmd := &core.Command{
		Type:      ct,
		RequestID: j.RequestID,
		Timestamp: received,
	}
	if j.TimestampUs != 0 {
		cmd.Timestamp = time.UnixMicro(j.TimestampUs).UTC()
	}
	if caller != nil {
		cmd.Caller = *caller
	} else if cmd.Caller, err = parseAddress("caller", j.Caller, true); err != nil {
		return nil, err
	}

	switch ct {
	case core.CommandCreateMarket:
		cmd.Create, err = parseCreate(&j)
		return cmd, err

	case core.CommandMint:
		if cmd.Account, err = parseAddress("to", j.To, true); err != nil {
			return nil, err
		}
		if cmd.Asset, err = parseAddress("asset", j.Asset, false); err != nil {
			return nil, err
		}
		cmd.Amount, err = parseAmount("amount", j.Amount)
		return cmd, err

	case core.CommandApprove:
		if cmd.Account, err = parseAddress("spender", j.Spender, true); err != nil {
			return nil, err
		}
		if cmd.Asset, err = parseAddress("asset", j.Asset, false); err != nil {
			return nil, err
		}
		cmd.Amount, err = parseAmount("amount", j.Amount)
		return cmd, err
	}

	// everything else targets one market
	if cmd.Market, err = parseAddress("market", j.Market, true); err != nil {
		return nil, err
	}

	switch ct {
	case core.CommandBuy:
		side, err := event.ParseSide(j.Side)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
		cmd.Side = side
		cmd.Amount, err = parseAmount("amount", j.Amount)
		if err != nil {
			return nil, err
		}

	case core.CommandResolve:
		outcome, err := parseOutcome(j.Outcome)
		if err != nil {
			return nil, err
		}
		cmd.Outcome = outcome

	case core.CommandSetFee:
		bps, err := parseFeeBps(j.FeeBps)
		if err != nil {
			return nil, err
		}
		cmd.FeeBps = bps

	case core.CommandSetFeeRecipient:
		if cmd.Account, err = parseAddress("recipient", j.Recipient, false); err != nil {
			return nil, err
		}

	case core.CommandRescue:
		if cmd.Account, err = parseAddress("to", j.To, true); err != nil {
			return nil, err
		}
		if cmd.Asset, err = parseAddress("asset", j.Asset, false); err != nil {
			return nil, err
		}
		if cmd.Amount, err = parseAmount("amount", j.Amount); err != nil {
			return nil, err
		}
	}

	return cmd, nil
}

func parseCreate(j *commandJSON) (*registry.CreateParams, error) {
	p := &registry.CreateParams{Fund: j.Fund}

	switch {
	case j.Question != "":
		raw := strings.TrimPrefix(j.Question, "0x")
		if len(raw) != 64 {
			return nil, fmt.Errorf("%w: question must be a 32-byte hex hash", ErrMalformedCommand)
		}
		p.Question = common.HexToHash(j.Question)
	case j.QuestionText != "":
		p.Question = crypto.Keccak256Hash([]byte(j.QuestionText))
	default:
		return nil, fmt.Errorf("%w: question or question_text is required", ErrMalformedCommand)
	}

	if j.ResolveTimestamp != 0 {
		p.ResolveTimestamp = time.Unix(j.ResolveTimestamp, 0).UTC()
	}

	var err error
	if p.YesPool, err = parseAmount("yes_pool", j.YesPool); err != nil {
		return nil, err
	}
	if p.NoPool, err = parseAmount("no_pool", j.NoPool); err != nil {
		return nil, err
	}
	if p.FeeBps, err = parseFeeBps(j.FeeBps); err != nil {
		return nil, err
	}
	if p.FeeRecipient, err = parseAddress("fee_recipient", j.FeeRecipient, false); err != nil {
		return nil, err
	}
	if p.Admin, err = parseAddress("admin", j.Admin, false); err != nil {
		return nil, err
	}
	return p, nil
}

// parseAddress rejects malformed hex. Empty input yields the zero address
// unless the field is required; semantic checks on zero addresses are left
// to the market.
func parseAddress(field, s string, required bool) (common.Address, error) {
	if s == "" {
		if required {
			return common.Address{}, fmt.Errorf("%w: %s is required", ErrMalformedCommand, field)
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not a hex address", ErrMalformedCommand, field, s)
	}
	return common.HexToAddress(s), nil
}

// parseAmount reads a base-10 integer. Zero parses fine; the market decides
// whether zero is acceptable.
func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrMalformedCommand, field)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %v", ErrMalformedCommand, field, s, err)
	}
	return v, nil
}

// parseFeeBps rejects values no market could accept with the fee code
// rather than as malformed input.
func parseFeeBps(v *int) (uint16, error) {
	if v == nil {
		return 0, nil
	}
	if *v < 0 {
		return 0, fmt.Errorf("%w: fee_bps %d is negative", ErrMalformedCommand, *v)
	}
	if *v > 0xFFFF {
		return 0, fmt.Errorf("%w: %d bps", market.ErrFeeTooHigh, *v)
	}
	return uint16(*v), nil
}

// parseOutcome maps names to outcomes. Numbers pass through unchecked so
// the market reports an unknown one as an invalid outcome.
func parseOutcome(s string) (event.Outcome, error) {
	switch strings.ToLower(s) {
	case "no":
		return event.OutcomeNo, nil
	case "yes":
		return event.OutcomeYes, nil
	case "cancel":
		return event.OutcomeCancel, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: unknown outcome %q", ErrMalformedCommand, s)
	}
	if n > 0xFF {
		return 0, fmt.Errorf("%w: %d", market.ErrInvalidOutcome, n)
	}
	return event.Outcome(n), nil
}

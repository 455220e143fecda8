package qubic

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Guard lets the circuit breaker wrap every RPC call without this package
// importing it.
type Guard interface {
	Allow() error
	RecordSuccess()
	RecordFailure()
}

// nopGuard admits everything. Used when no breaker is wired (tests).
type nopGuard struct{}

func (nopGuard) Allow() error    { return nil }
func (nopGuard) RecordSuccess()  {}
func (nopGuard) RecordFailure()  {}

// TxResult is the outcome of a broadcast procedure call.
type TxResult struct {
	TxID       string
	TargetTick uint32
	TxSize     int
}

// Client is the Quottery RPC client. Endpoints form a failover ring with a
// sticky pointer: a failure at endpoint i tries i+1 mod N, and the first
// success pins the pointer there.
type Client struct {
	httpClient *http.Client
	endpoints  []string
	tickOffset uint32
	txFeeQU    int64
	guard      Guard
	logger     *slog.Logger

	mu     sync.Mutex
	sticky int
}

// NewClient builds a Client over the endpoint ring. guard may be nil.
func NewClient(endpoints []string, timeout time.Duration, txFeeQU int64, tickOffset uint32, guard Guard, logger *slog.Logger) *Client {
	if guard == nil {
		guard = nopGuard{}
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoints:  endpoints,
		tickOffset: tickOffset,
		txFeeQU:    txFeeQU,
		guard:      guard,
		logger:     logger,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Transport
// ──────────────────────────────────────────────────────────────────────────────

// do runs one request body against the ring, starting at the sticky pointer.
func (c *Client) do(ctx context.Context, method, path string, reqBody any, out any) error {
	if err := c.guard.Allow(); err != nil {
		return err
	}

	var payload []byte
	if reqBody != nil {
		var err error
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("qubic: marshal request: %w", err)
		}
	}

	c.mu.Lock()
	start := c.sticky
	c.mu.Unlock()

	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		idx := (start + i) % len(c.endpoints)
		base := strings.TrimRight(c.endpoints[idx], "/")
		err := c.doOne(ctx, method, base+path, payload, out)
		if err == nil {
			c.mu.Lock()
			c.sticky = idx
			c.mu.Unlock()
			c.guard.RecordSuccess()
			return nil
		}
		lastErr = err
		c.logger.Warn("rpc endpoint failed", "endpoint", base, "path", path, "error", err)
	}
	c.guard.RecordFailure()
	return fmt.Errorf("qubic: all %d endpoints failed: %w", len(c.endpoints), lastErr)
}

func (c *Client) doOne(ctx context.Context, method, url string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// ──────────────────────────────────────────────────────────────────────────────
// Chain state queries
// ──────────────────────────────────────────────────────────────────────────────

// TickInfo is the gateway's current chain position.
type TickInfo struct {
	Tick  uint32
	Epoch uint32
}

// GetTickInfo fetches the current tick and epoch.
func (c *Client) GetTickInfo(ctx context.Context) (*TickInfo, error) {
	var resp struct {
		TickInfo struct {
			Tick  uint32 `json:"tick"`
			Epoch uint32 `json:"epoch"`
		} `json:"tickInfo"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/tick-info", nil, &resp); err != nil {
		return nil, fmt.Errorf("qubic.GetTickInfo: %w", err)
	}
	return &TickInfo{Tick: resp.TickInfo.Tick, Epoch: resp.TickInfo.Epoch}, nil
}

// GetBalance fetches an identity's spendable balance in QU.
func (c *Client) GetBalance(ctx context.Context, address string) (int64, error) {
	var resp struct {
		Balance struct {
			Balance string `json:"balance"`
		} `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/balances/"+address, nil, &resp); err != nil {
		return 0, fmt.Errorf("qubic.GetBalance: %w", err)
	}
	var bal int64
	if _, err := fmt.Sscanf(resp.Balance.Balance, "%d", &bal); err != nil {
		return 0, fmt.Errorf("qubic.GetBalance: parse %q: %w", resp.Balance.Balance, err)
	}
	return bal, nil
}

// querySC runs a read-only smart-contract query and returns the raw response
// bytes.
func (c *Client) querySC(ctx context.Context, inputType uint16, input []byte) ([]byte, error) {
	req := map[string]any{
		"contractIndex": ContractIndex,
		"inputType":     inputType,
		"inputSize":     len(input),
		"requestData":   base64.StdEncoding.EncodeToString(input),
	}
	var resp struct {
		ResponseData string `json:"responseData"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/querySmartContract", req, &resp); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(resp.ResponseData)
	if err != nil {
		return nil, fmt.Errorf("qubic.querySC: decode response: %w", err)
	}
	return raw, nil
}

// GetNodeInfo fetches the contract's fee parameters.
func (c *Client) GetNodeInfo(ctx context.Context) (*NodeInfo, error) {
	raw, err := c.querySC(ctx, QueryGetNodeInfo, nil)
	if err != nil {
		return nil, fmt.Errorf("qubic.GetNodeInfo: %w", err)
	}
	return ParseNodeInfo(raw)
}

// GetBetInfo fetches one bet's full contract state.
func (c *Client) GetBetInfo(ctx context.Context, betID uint32) (*BetInfo, error) {
	input := binary.LittleEndian.AppendUint32(nil, betID)
	raw, err := c.querySC(ctx, QueryGetBetInfo, input)
	if err != nil {
		return nil, fmt.Errorf("qubic.GetBetInfo: %w", err)
	}
	return ParseBetInfo(raw)
}

// GetActiveBets fetches the ids of all currently active bets.
func (c *Client) GetActiveBets(ctx context.Context) ([]uint32, error) {
	raw, err := c.querySC(ctx, QueryGetActiveBet, nil)
	if err != nil {
		return nil, fmt.Errorf("qubic.GetActiveBets: %w", err)
	}
	return ParseActiveBets(raw)
}

// GetBetsByCreator fetches the ids of bets issued by one identity. The
// response shares the active-bets id-list layout.
func (c *Client) GetBetsByCreator(ctx context.Context, creator string) ([]uint32, error) {
	pubkey, err := DecodeAddress(creator)
	if err != nil {
		return nil, fmt.Errorf("qubic.GetBetsByCreator: %w", err)
	}
	raw, err := c.querySC(ctx, QueryGetBetByCreator, pubkey[:])
	if err != nil {
		return nil, fmt.Errorf("qubic.GetBetsByCreator: %w", err)
	}
	return ParseActiveBets(raw)
}

// ──────────────────────────────────────────────────────────────────────────────
// Send pipeline
// ──────────────────────────────────────────────────────────────────────────────

// SendProcedure signs and broadcasts one procedure call from the given seed.
// The target tick is current + the configured offset.
func (c *Client) SendProcedure(ctx context.Context, seed string, inputType uint16, amount int64, payload []byte) (*TxResult, error) {
	id, err := DeriveIdentity(seed)
	if err != nil {
		return nil, fmt.Errorf("qubic.SendProcedure: %w", err)
	}
	info, err := c.GetTickInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("qubic.SendProcedure: %w", err)
	}
	targetTick := info.Tick + c.tickOffset

	// Unsigned tx layout: source (32) + destination (32) + amount (8) +
	// tick (4) + input type (2) + input size (2) + payload.
	dst := ContractDestination()
	tx := make([]byte, 0, 80+len(payload)+64)
	tx = append(tx, id.PublicKey[:]...)
	tx = append(tx, dst[:]...)
	tx = binary.LittleEndian.AppendUint64(tx, uint64(amount))
	tx = binary.LittleEndian.AppendUint32(tx, targetTick)
	tx = binary.LittleEndian.AppendUint16(tx, inputType)
	tx = binary.LittleEndian.AppendUint16(tx, uint16(len(payload)))
	tx = append(tx, payload...)

	digest := sha256.Sum256(tx)
	tx = append(tx, id.Sign(digest[:])...)
	sum := sha256.Sum256(tx)
	txID := hex.EncodeToString(sum[:])

	req := map[string]string{
		"encodedTransaction": base64.StdEncoding.EncodeToString(tx),
	}
	var resp struct {
		TransactionID string `json:"transactionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/broadcast-transaction", req, &resp); err != nil {
		return nil, fmt.Errorf("qubic.SendProcedure: broadcast: %w", err)
	}
	if resp.TransactionID != "" {
		txID = resp.TransactionID
	}
	return &TxResult{TxID: txID, TargetTick: targetTick, TxSize: len(tx)}, nil
}

// IssueBet broadcasts issueBet from the platform identity, paying the issue
// fee as the transaction amount.
func (c *Client) IssueBet(ctx context.Context, seed string, in IssueBetInput, issueFee int64) (*TxResult, error) {
	payload, err := EncodeIssueBet(in)
	if err != nil {
		return nil, err
	}
	return c.SendProcedure(ctx, seed, ProcIssueBet, issueFee, payload)
}

// JoinBet broadcasts joinBet from an escrow seed, moving the stake into the
// contract.
func (c *Client) JoinBet(ctx context.Context, seed string, betID, slots, option uint32, amount int64) (*TxResult, error) {
	return c.SendProcedure(ctx, seed, ProcJoinBet, amount, EncodeJoinBet(betID, slots, option))
}

// PublishResult broadcasts the winning option from an oracle identity.
func (c *Client) PublishResult(ctx context.Context, seed string, betID, winningOption uint32) (*TxResult, error) {
	return c.SendProcedure(ctx, seed, ProcPublishResult, 0, EncodePublishResult(betID, winningOption))
}

// CancelBet broadcasts cancelBet from the platform identity.
func (c *Client) CancelBet(ctx context.Context, seed string, betID uint32) (*TxResult, error) {
	return c.SendProcedure(ctx, seed, ProcCancelBet, 0, EncodeCancelBet(betID))
}

// PreparedTx is a signed transaction not yet broadcast. The tx id is known
// up front so callers can persist it before the network sees the tx.
type PreparedTx struct {
	TxID       string
	TargetTick uint32
	raw        []byte
}

// BuildTransfer signs a plain QU transfer without broadcasting it. Used by
// the sweep phase, which records the tx id before the broadcast so the
// confirm-sweep guard can never pass without one.
func (c *Client) BuildTransfer(ctx context.Context, seed, toAddress string, amount int64) (*PreparedTx, error) {
	id, err := DeriveIdentity(seed)
	if err != nil {
		return nil, fmt.Errorf("qubic.BuildTransfer: %w", err)
	}
	info, err := c.GetTickInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("qubic.BuildTransfer: %w", err)
	}
	targetTick := info.Tick + c.tickOffset

	dst, err := DecodeAddress(toAddress)
	if err != nil {
		return nil, fmt.Errorf("qubic.BuildTransfer: %w", err)
	}
	tx := make([]byte, 0, 80+64)
	tx = append(tx, id.PublicKey[:]...)
	tx = append(tx, dst[:]...)
	tx = binary.LittleEndian.AppendUint64(tx, uint64(amount))
	tx = binary.LittleEndian.AppendUint32(tx, targetTick)
	tx = binary.LittleEndian.AppendUint16(tx, 0) // plain transfer
	tx = binary.LittleEndian.AppendUint16(tx, 0)

	digest := sha256.Sum256(tx)
	tx = append(tx, id.Sign(digest[:])...)
	sum := sha256.Sum256(tx)
	return &PreparedTx{TxID: hex.EncodeToString(sum[:]), TargetTick: targetTick, raw: tx}, nil
}

// Broadcast sends a prepared transaction.
func (c *Client) Broadcast(ctx context.Context, tx *PreparedTx) error {
	req := map[string]string{
		"encodedTransaction": base64.StdEncoding.EncodeToString(tx.raw),
	}
	if err := c.do(ctx, http.MethodPost, "/v1/broadcast-transaction", req, nil); err != nil {
		return fmt.Errorf("qubic.Broadcast: %w", err)
	}
	return nil
}

// SendQU builds and broadcasts a plain transfer in one step.
func (c *Client) SendQU(ctx context.Context, seed, toAddress string, amount int64) (*TxResult, error) {
	prepared, err := c.BuildTransfer(ctx, seed, toAddress, amount)
	if err != nil {
		return nil, err
	}
	if err := c.Broadcast(ctx, prepared); err != nil {
		return nil, err
	}
	return &TxResult{TxID: prepared.TxID, TargetTick: prepared.TargetTick, TxSize: len(prepared.raw)}, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Issue fee & bet-id discovery
// ──────────────────────────────────────────────────────────────────────────────

// defaultFeePerSlotHour is the conservative fallback when getNodeInfo fails.
const defaultFeePerSlotHour = 10

// IssueFee computes the QU amount issueBet must carry:
// max_slots × option_count × fee_per_slot_per_hour × ceil(hours until end).
func (c *Client) IssueFee(ctx context.Context, maxSlots, optionCount int64, endDate time.Time) int64 {
	fee := int64(defaultFeePerSlotHour)
	if info, err := c.GetNodeInfo(ctx); err == nil && info.FeePerSlotPerHour > 0 {
		fee = int64(info.FeePerSlotPerHour)
	} else if err != nil {
		c.logger.Warn("getNodeInfo failed, using fallback fee", "error", err)
	}
	hours := int64(math.Ceil(time.Until(endDate).Hours()))
	if hours < 1 {
		hours = 1
	}
	return maxSlots * optionCount * fee * hours
}

// FindBetID scans bets newest-first and matches by case-insensitive
// description equality. Bets issued by creator are tried first since the
// engine only discovers its own issues; the full active list is the fallback
// for gateways that do not serve the creator query. Returns (0, false) when
// no bet matches.
func (c *Client) FindBetID(ctx context.Context, creator, description string) (uint32, bool, error) {
	ids, err := c.GetBetsByCreator(ctx, creator)
	if err != nil {
		c.logger.Warn("getBetByCreator failed, scanning active bets", "error", err)
		ids, err = c.GetActiveBets(ctx)
	}
	if err != nil {
		return 0, false, fmt.Errorf("qubic.FindBetID: %w", err)
	}
	want := strings.ToLower(description)
	for i := len(ids) - 1; i >= 0; i-- {
		info, err := c.GetBetInfo(ctx, ids[i])
		if err != nil {
			c.logger.Warn("getBetInfo failed during discovery", "bet_id", ids[i], "error", err)
			continue
		}
		if strings.ToLower(info.Description) == want {
			return ids[i], true, nil
		}
	}
	return 0, false, nil
}

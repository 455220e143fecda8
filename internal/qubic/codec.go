// Package qubic talks to the Quottery smart contract over the Qubic RPC
// gateway: fixed-layout little-endian procedure structs, binary query
// responses, and identity derivation for escrow addresses.
package qubic

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Quottery contract constants.
const (
	ContractIndex = 2

	ProcIssueBet      = 1
	ProcJoinBet       = 2
	ProcCancelBet     = 3
	ProcPublishResult = 4

	QueryGetNodeInfo     = 1
	QueryGetBetInfo      = 2
	QueryGetActiveBet    = 4
	QueryGetBetByCreator = 5

	issueBetSize      = 600
	joinBetSize       = 12
	publishResultSize = 8
	cancelBetSize     = 4
	betInfoSize       = 692

	maxOptions = 8
	idFieldLen = 32
)

// ContractDestination is the SC's destination public key: the contract index
// in the first byte, zeroes elsewhere.
func ContractDestination() [32]byte {
	var dst [32]byte
	dst[0] = ContractIndex
	return dst
}

// ──────────────────────────────────────────────────────────────────────────────
// Date packing
// ──────────────────────────────────────────────────────────────────────────────

// PackDate packs a UTC timestamp into Quottery's u32 date format. The year
// field is 6 bits wide, so only 2024 through 2087 fit.
func PackDate(t time.Time) (uint32, error) {
	t = t.UTC()
	year := t.Year()
	if year < 2024 || year > 2087 {
		return 0, fmt.Errorf("qubic.PackDate: year %d outside 2024-2087", year)
	}
	packed := (uint32(year-2024)&0x3F)<<26 |
		(uint32(t.Month())&0xF)<<22 |
		(uint32(t.Day())&0x1F)<<17 |
		(uint32(t.Hour())&0x1F)<<12 |
		(uint32(t.Minute())&0x3F)<<6 |
		uint32(t.Second())&0x3F
	return packed, nil
}

// UnpackDate reverses PackDate.
func UnpackDate(packed uint32) time.Time {
	return time.Date(
		2024+int(packed>>26&0x3F),
		time.Month(packed>>22&0xF),
		int(packed>>17&0x1F),
		int(packed>>12&0x1F),
		int(packed>>6&0x3F),
		int(packed&0x3F),
		0, time.UTC)
}

// ──────────────────────────────────────────────────────────────────────────────
// ID field encoding
// ──────────────────────────────────────────────────────────────────────────────

// encodeIDField lowercases s and left-pads it into a null-terminated 32-byte
// field. Strings of 32+ bytes are truncated to 31 to keep the terminator.
func encodeIDField(s string) [idFieldLen]byte {
	var field [idFieldLen]byte
	s = strings.ToLower(s)
	if len(s) > idFieldLen-1 {
		s = s[:idFieldLen-1]
	}
	copy(field[idFieldLen-1-len(s):], s)
	return field
}

// decodeIDField strips padding and the terminator from a 32-byte field.
func decodeIDField(field []byte) string {
	return string(bytes.Trim(field, "\x00"))
}

// ──────────────────────────────────────────────────────────────────────────────
// Procedure payloads
// ──────────────────────────────────────────────────────────────────────────────

// IssueBetInput carries everything issueBet needs. Options and oracles beyond
// the provided slices encode as zero fields.
type IssueBetInput struct {
	Description   string
	Options       []string
	OraclePubKeys [][32]byte
	OracleFees    []uint32 // basis points, parallel to OraclePubKeys
	CloseDate     time.Time
	EndDate       time.Time
	AmountPerSlot int64
	MaxSlots      uint32
}

// EncodeIssueBet builds the 600-byte issueBet payload.
func EncodeIssueBet(in IssueBetInput) ([]byte, error) {
	if len(in.Options) < 2 || len(in.Options) > maxOptions {
		return nil, fmt.Errorf("qubic.EncodeIssueBet: %d options", len(in.Options))
	}
	closePacked, err := PackDate(in.CloseDate)
	if err != nil {
		return nil, err
	}
	endPacked, err := PackDate(in.EndDate)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, issueBetSize)
	desc := encodeIDField(in.Description)
	buf = append(buf, desc[:]...)
	for i := 0; i < maxOptions; i++ {
		var field [idFieldLen]byte
		if i < len(in.Options) {
			field = encodeIDField(in.Options[i])
		}
		buf = append(buf, field[:]...)
	}
	for i := 0; i < maxOptions; i++ {
		var key [32]byte
		if i < len(in.OraclePubKeys) {
			key = in.OraclePubKeys[i]
		}
		buf = append(buf, key[:]...)
	}
	for i := 0; i < maxOptions; i++ {
		var fee uint32
		if i < len(in.OracleFees) {
			fee = in.OracleFees[i]
		}
		buf = binary.LittleEndian.AppendUint32(buf, fee)
	}
	buf = binary.LittleEndian.AppendUint32(buf, closePacked)
	buf = binary.LittleEndian.AppendUint32(buf, endPacked)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(in.AmountPerSlot))
	buf = binary.LittleEndian.AppendUint32(buf, in.MaxSlots)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Options)))

	if len(buf) != issueBetSize {
		return nil, fmt.Errorf("qubic.EncodeIssueBet: payload %d bytes, want %d", len(buf), issueBetSize)
	}
	return buf, nil
}

// EncodeJoinBet builds the 12-byte joinBet payload.
func EncodeJoinBet(betID, slots, option uint32) []byte {
	buf := make([]byte, 0, joinBetSize)
	buf = binary.LittleEndian.AppendUint32(buf, betID)
	buf = binary.LittleEndian.AppendUint32(buf, slots)
	buf = binary.LittleEndian.AppendUint32(buf, option)
	return buf
}

// EncodePublishResult builds the 8-byte publishResult payload.
func EncodePublishResult(betID, winningOption uint32) []byte {
	buf := make([]byte, 0, publishResultSize)
	buf = binary.LittleEndian.AppendUint32(buf, betID)
	buf = binary.LittleEndian.AppendUint32(buf, winningOption)
	return buf
}

// EncodeCancelBet builds the 4-byte cancelBet payload.
func EncodeCancelBet(betID uint32) []byte {
	return binary.LittleEndian.AppendUint32(make([]byte, 0, cancelBetSize), betID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Query responses
// ──────────────────────────────────────────────────────────────────────────────

// BetInfo is the parsed getBetInfo response.
//
// Field offsets in the 692-byte struct:
//
//	  0  u32   bet id
//	  4  u32   option count
//	  8  32B   creator public key
//	 40  32B   description
//	 72  8×32B option descriptions
//	328  8×32B oracle public keys
//	584  8×u32 oracle fees (bps)
//	616  u32   open date (packed)
//	620  u32   close date (packed)
//	624  u32   end date (packed)
//	628  i64   amount per slot
//	636  u32   max slots per option
//	640  8×u32 joined slots per option
//	672  i32   winning option (-1 while unresolved)
//	676  i32   oracle vote count
//	680  u32   current tick
//	684  u64   total pool QU
type BetInfo struct {
	BetID         uint32
	OptionCount   uint32
	Creator       [32]byte
	Description   string
	Options       []string
	OraclePubKeys [][32]byte
	OracleFees    []uint32
	OpenDate      time.Time
	CloseDate     time.Time
	EndDate       time.Time
	AmountPerSlot int64
	MaxSlots      uint32
	JoinedSlots   []uint32
	WinningOption int32
	OracleVotes   int32
	CurrentTick   uint32
	TotalPoolQU   uint64
}

// ParseBetInfo decodes a getBetInfo response.
func ParseBetInfo(raw []byte) (*BetInfo, error) {
	if len(raw) < betInfoSize {
		return nil, fmt.Errorf("qubic.ParseBetInfo: response %d bytes, want %d", len(raw), betInfoSize)
	}
	le := binary.LittleEndian
	info := &BetInfo{
		BetID:       le.Uint32(raw[0:]),
		OptionCount: le.Uint32(raw[4:]),
		Description: decodeIDField(raw[40:72]),
	}
	copy(info.Creator[:], raw[8:40])

	n := int(info.OptionCount)
	if n > maxOptions {
		return nil, fmt.Errorf("qubic.ParseBetInfo: option count %d", n)
	}
	for i := 0; i < n; i++ {
		off := 72 + i*idFieldLen
		info.Options = append(info.Options, decodeIDField(raw[off:off+idFieldLen]))
		var key [32]byte
		copy(key[:], raw[328+i*32:])
		info.OraclePubKeys = append(info.OraclePubKeys, key)
		info.OracleFees = append(info.OracleFees, le.Uint32(raw[584+i*4:]))
		info.JoinedSlots = append(info.JoinedSlots, le.Uint32(raw[640+i*4:]))
	}

	info.OpenDate = UnpackDate(le.Uint32(raw[616:]))
	info.CloseDate = UnpackDate(le.Uint32(raw[620:]))
	info.EndDate = UnpackDate(le.Uint32(raw[624:]))
	info.AmountPerSlot = int64(le.Uint64(raw[628:]))
	info.MaxSlots = le.Uint32(raw[636:])
	info.WinningOption = int32(le.Uint32(raw[672:]))
	info.OracleVotes = int32(le.Uint32(raw[676:]))
	info.CurrentTick = le.Uint32(raw[680:])
	info.TotalPoolQU = le.Uint64(raw[684:])
	return info, nil
}

// ParseActiveBets decodes a getActiveBet response: u32 count followed by
// count u32 bet ids.
func ParseActiveBets(raw []byte) ([]uint32, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("qubic.ParseActiveBets: response %d bytes", len(raw))
	}
	le := binary.LittleEndian
	count := int(le.Uint32(raw[0:]))
	if len(raw) < 4+count*4 {
		return nil, fmt.Errorf("qubic.ParseActiveBets: count %d exceeds %d bytes", count, len(raw))
	}
	ids := make([]uint32, count)
	for i := range ids {
		ids[i] = le.Uint32(raw[4+i*4:])
	}
	return ids, nil
}

// NodeInfo is the subset of getNodeInfo the engine uses.
type NodeInfo struct {
	FeePerSlotPerHour uint64
	MinBetAmount      uint64
	GameOperatorFee   uint32
	ShareholderFee    uint32
	BurnFee           uint32
}

// ParseNodeInfo decodes a getNodeInfo response. The struct opens with five
// u64 stat counters the engine ignores.
func ParseNodeInfo(raw []byte) (*NodeInfo, error) {
	if len(raw) < 68 {
		return nil, fmt.Errorf("qubic.ParseNodeInfo: response %d bytes", len(raw))
	}
	le := binary.LittleEndian
	return &NodeInfo{
		FeePerSlotPerHour: le.Uint64(raw[40:]),
		MinBetAmount:      le.Uint64(raw[48:]),
		GameOperatorFee:   le.Uint32(raw[56:]),
		ShareholderFee:    le.Uint32(raw[60:]),
		BurnFee:           le.Uint32(raw[64:]),
	}, nil
}

package qubic

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPackDateRoundTrip(t *testing.T) {
	cases := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 24, 13, 37, 59, 0, time.UTC),
		time.Date(2087, 12, 31, 23, 59, 59, 0, time.UTC),
	}
	for _, ts := range cases {
		packed, err := PackDate(ts)
		require.NoError(t, err)
		require.Equal(t, ts, UnpackDate(packed), ts.String())
	}
}

func TestPackDateRejectsOutOfRange(t *testing.T) {
	for _, ts := range []time.Time{
		time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2088, 1, 1, 0, 0, 0, 0, time.UTC),
	} {
		_, err := PackDate(ts)
		require.Error(t, err, ts.String())
	}
}

func TestPackDateBitLayout(t *testing.T) {
	// 2025-03-05 07:09:11 placed bit-by-bit.
	ts := time.Date(2025, 3, 5, 7, 9, 11, 0, time.UTC)
	packed, err := PackDate(ts)
	require.NoError(t, err)
	want := uint32(1)<<26 | uint32(3)<<22 | uint32(5)<<17 | uint32(7)<<12 | uint32(9)<<6 | 11
	require.Equal(t, want, packed)
}

func TestEncodeIssueBetLayout(t *testing.T) {
	in := IssueBetInput{
		Description:   "mkt_abc123",
		Options:       []string{"YES", "NO"},
		OracleFees:    []uint32{50, 50},
		CloseDate:     time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		EndDate:       time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC),
		AmountPerSlot: 10_000,
		MaxSlots:      64,
	}
	buf, err := EncodeIssueBet(in)
	require.NoError(t, err)
	require.Len(t, buf, 600)

	// Description field: left-padded, null-terminated, lowercase.
	require.Equal(t, "mkt_abc123", decodeIDField(buf[0:32]))
	require.Equal(t, byte(0), buf[31], "terminator byte")

	// First option at offset 32, second at 64, third zeroed.
	require.Equal(t, "yes", decodeIDField(buf[32:64]))
	require.Equal(t, "no", decodeIDField(buf[64:96]))
	require.Equal(t, "", decodeIDField(buf[96:128]))

	le := binary.LittleEndian
	// Tail: close(4) + end(4) + amount(8) + maxSlots(4) + optionCount(4).
	require.Equal(t, uint64(10_000), le.Uint64(buf[584:]))
	require.Equal(t, uint32(64), le.Uint32(buf[592:]))
	require.Equal(t, uint32(2), le.Uint32(buf[596:]))
}

func TestEncodeIssueBetRejectsBadOptionCount(t *testing.T) {
	in := IssueBetInput{
		Description: "x",
		Options:     []string{"only-one"},
		CloseDate:   time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		EndDate:     time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC),
	}
	_, err := EncodeIssueBet(in)
	require.Error(t, err)
}

func TestSmallProcedurePayloads(t *testing.T) {
	le := binary.LittleEndian

	join := EncodeJoinBet(42, 3, 1)
	require.Len(t, join, 12)
	require.Equal(t, uint32(42), le.Uint32(join[0:]))
	require.Equal(t, uint32(3), le.Uint32(join[4:]))
	require.Equal(t, uint32(1), le.Uint32(join[8:]))

	pub := EncodePublishResult(42, 0)
	require.Len(t, pub, 8)
	require.Equal(t, uint32(42), le.Uint32(pub[0:]))
	require.Equal(t, uint32(0), le.Uint32(pub[4:]))

	cancel := EncodeCancelBet(7)
	require.Len(t, cancel, 4)
	require.Equal(t, uint32(7), le.Uint32(cancel))
}

func TestParseBetInfoRoundTrip(t *testing.T) {
	le := binary.LittleEndian
	raw := make([]byte, 692)
	le.PutUint32(raw[0:], 42)
	le.PutUint32(raw[4:], 2)
	desc := encodeIDField("mkt_test")
	copy(raw[40:], desc[:])
	yes := encodeIDField("yes")
	no := encodeIDField("no")
	copy(raw[72:], yes[:])
	copy(raw[104:], no[:])
	le.PutUint32(raw[584:], 50)
	le.PutUint32(raw[588:], 50)
	closePacked, _ := PackDate(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	le.PutUint32(raw[620:], closePacked)
	le.PutUint64(raw[628:], 10_000)
	le.PutUint32(raw[636:], 64)
	le.PutUint32(raw[640:], 5)
	le.PutUint32(raw[644:], 3)
	le.PutUint32(raw[672:], uint32(0xFFFFFFFF)) // -1, unresolved
	le.PutUint32(raw[680:], 12345)
	le.PutUint64(raw[684:], 80_000)

	info, err := ParseBetInfo(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(42), info.BetID)
	require.Equal(t, "mkt_test", info.Description)
	require.Equal(t, []string{"yes", "no"}, info.Options)
	require.Equal(t, []uint32{5, 3}, info.JoinedSlots)
	require.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), info.CloseDate)
	require.Equal(t, int64(10_000), info.AmountPerSlot)
	require.Equal(t, int32(-1), info.WinningOption)
	require.Equal(t, uint32(12345), info.CurrentTick)
	require.Equal(t, uint64(80_000), info.TotalPoolQU)
}

func TestParseActiveBets(t *testing.T) {
	le := binary.LittleEndian
	raw := make([]byte, 4+3*4)
	le.PutUint32(raw[0:], 3)
	le.PutUint32(raw[4:], 10)
	le.PutUint32(raw[8:], 11)
	le.PutUint32(raw[12:], 12)

	ids, err := ParseActiveBets(raw)
	require.NoError(t, err)
	require.Equal(t, []uint32{10, 11, 12}, ids)

	_, err = ParseActiveBets(raw[:8])
	require.Error(t, err, "count exceeding buffer must fail")
}

func TestIdentityDerivation(t *testing.T) {
	seed, err := NewRandomSeed()
	require.NoError(t, err)
	require.True(t, ValidSeed(seed))

	id1, err := DeriveIdentity(seed)
	require.NoError(t, err)
	id2, err := DeriveIdentity(seed)
	require.NoError(t, err)
	require.Equal(t, id1.Address, id2.Address, "derivation must be deterministic")
	require.Len(t, id1.Address, 60)
	require.True(t, ValidAddress(id1.Address))

	// Flipping one address letter breaks the checksum.
	bad := []byte(id1.Address)
	if bad[0] == 'A' {
		bad[0] = 'B'
	} else {
		bad[0] = 'A'
	}
	require.False(t, ValidAddress(string(bad)))

	_, err = DeriveIdentity("TOO-SHORT")
	require.Error(t, err)
	_, err = DeriveIdentity(seed[:54] + "A")
	require.Error(t, err, "uppercase letter in seed")
}

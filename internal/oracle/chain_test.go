package oracle

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collarlabs/collard/internal/domain"
)

type fakeCaller struct {
	out []byte
}

func (c *fakeCaller) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return c.out, nil
}

// abiWord encodes v as a 32-byte two's-complement ABI word, the shape
// latestAnswer() answers arrive in.
func abiWord(v *big.Int) []byte {
	word := make([]byte, 32)
	enc := v
	if v.Sign() < 0 {
		enc = new(big.Int).Add(v, int256Offset)
	}
	enc.FillBytes(word)
	return word
}

func TestDecodeInt256(t *testing.T) {
	tests := []struct {
		name string
		in   *big.Int
	}{
		{"zero", big.NewInt(0)},
		{"small positive", big.NewInt(1234)},
		{"small negative", big.NewInt(-1234)},
		{"large negative", new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 200))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeInt256(abiWord(tt.in))
			assert.Zero(t, got.Cmp(tt.in))
		})
	}
}

func TestChainOracleCurrentPrice(t *testing.T) {
	pair := domain.AssetPair{
		Underlying: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Cash:       common.HexToAddress("0x00000000000000000000000000000000000000bb"),
	}
	aggregator := common.HexToAddress("0x0000000000000000000000000000000000000f01")
	ctx := context.Background()

	t.Run("positive answer", func(t *testing.T) {
		orc := NewChainOracle(&fakeCaller{out: abiWord(big.NewInt(1234))}, nil, nil)
		orc.SetFeed(pair, aggregator)
		price, err := orc.CurrentPrice(ctx, pair)
		require.NoError(t, err)
		assert.Equal(t, int64(1234), price.Int64())
	})

	t.Run("zero answer rejected", func(t *testing.T) {
		orc := NewChainOracle(&fakeCaller{out: abiWord(big.NewInt(0))}, nil, nil)
		orc.SetFeed(pair, aggregator)
		_, err := orc.CurrentPrice(ctx, pair)
		assert.Error(t, err)
	})

	t.Run("negative answer rejected", func(t *testing.T) {
		// A negative int256 read as unsigned would pass the sign check as a
		// huge positive price; it must be rejected instead.
		orc := NewChainOracle(&fakeCaller{out: abiWord(big.NewInt(-1234))}, nil, nil)
		orc.SetFeed(pair, aggregator)
		_, err := orc.CurrentPrice(ctx, pair)
		assert.Error(t, err)
	})

	t.Run("unknown pair", func(t *testing.T) {
		orc := NewChainOracle(&fakeCaller{}, nil, nil)
		_, err := orc.CurrentPrice(ctx, pair)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

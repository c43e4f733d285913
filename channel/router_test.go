package channel

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveExact(t *testing.T) {
	chans := []Config{
		{Name: "engine", Address: 0x1001},
		{Name: "body", Address: 0x1010, MaxMessageSize: 100},
		{Name: "gw", Address: 0x1000},
	}
	tab, err := New(chans, [][]ID{{0, 1, 2}, {1}})
	require.NoError(t, err)

	id, res := tab.Resolve(0, 0x1001, 10, false)
	assert.Equal(t, Found, res)
	assert.Equal(t, ID(0), id)

	id, res = tab.Resolve(0, 0x1000, 10, false)
	assert.Equal(t, Found, res)
	assert.Equal(t, ID(2), id)

	_, res = tab.Resolve(0, 0x1010, 101, false)
	assert.Equal(t, TooLarge, res)

	_, res = tab.Resolve(0, 0x2000, 1, false)
	assert.Equal(t, Unknown, res)

	// scoped: set 1 does not reach the engine
	_, res = tab.Resolve(1, 0x1001, 1, false)
	assert.Equal(t, Unknown, res)
	assert.True(t, tab.Known(0x1001), "the address-only resolver ignores scope")
	assert.False(t, tab.Known(0x2000))

	_, res = tab.Resolve(5, 0x1001, 1, false)
	assert.Equal(t, Unknown, res)
}

func TestResolveSizeRouting(t *testing.T) {
	chans := []Config{
		{Name: "big", Address: 0x0E00, MaxPduSize: 4096},
		{Name: "small", Address: 0x0E00, MaxPduSize: 64, Default: true},
		{Name: "medium", Address: 0x0E00, MaxPduSize: 512},
		{Name: "other", Address: 0x0E01},
	}
	tab, err := New(chans, [][]ID{{0, 1, 2, 3}})
	require.NoError(t, err)

	for _, tc := range []struct {
		length uint32
		want   ID
		res    Result
	}{
		{1, 1, Found},
		{64, 1, Found},
		{65, 2, Found},
		{512, 2, Found},
		{513, 0, Found},
		{4096, 0, Found},
		{4097, None, TooLarge},
	} {
		id, res := tab.Resolve(0, 0x0E00, tc.length, true)
		assert.Equal(t, tc.res, res, "length %d", tc.length)
		assert.Equal(t, tc.want, id, "length %d", tc.length)
	}

	// a channel without limits takes what no bounded one can
	unbounded, err := New([]Config{
		{Name: "any", Address: 0x0E00},
		{Name: "small", Address: 0x0E00, MaxPduSize: 64},
	}, [][]ID{{0, 1}})
	require.NoError(t, err)
	id, res := unbounded.Resolve(0, 0x0E00, 1<<20, true)
	assert.Equal(t, Found, res)
	assert.Equal(t, ID(0), id)
	id, _ = unbounded.Resolve(0, 0x0E00, 10, true)
	assert.Equal(t, ID(1), id)

	// without size routing the default channel wins regardless of size
	id, res = tab.Resolve(0, 0x0E00, 1000, false)
	assert.Equal(t, Found, res)
	assert.Equal(t, ID(1), id)
}

func TestResolveMasked(t *testing.T) {
	chans := []Config{
		{Name: "group", Address: 0xE400, Mask: 0xFF00},
		{Name: "exact", Address: 0xE401},
	}
	tab, err := New(chans, [][]ID{{1, 0}})
	require.NoError(t, err)

	id, res := tab.Resolve(0, 0xE455, 8, false)
	assert.Equal(t, Found, res)
	assert.Equal(t, ID(0), id)
	assert.True(t, tab.Known(0xE4AA))
	assert.False(t, tab.Known(0xE500))
}

func TestSetAddress(t *testing.T) {
	tab, err := New([]Config{{Address: 1}, {Address: 2}}, [][]ID{{0, 1}})
	require.NoError(t, err)
	require.NoError(t, tab.SetAddress(0, 3))

	_, res := tab.Resolve(0, 1, 1, false)
	assert.Equal(t, Unknown, res)
	id, res := tab.Resolve(0, 3, 1, false)
	assert.Equal(t, Found, res)
	assert.Equal(t, ID(0), id)
	assert.Error(t, tab.SetAddress(7, 1))
}

func TestNewErrors(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
	_, err = New([]Config{{}}, [][]ID{{1}})
	assert.ErrorIs(t, err, errBadSet)
}

// bruteForce is the reference resolver: a linear scan in channel order.
func bruteForce(chans []Config, ids []ID, target uint16, length uint32, sizeRouting bool) (ID, Result) {
	best, bestLimit := None, uint64(math.MaxUint64)
	var group []ID
	for id := ID(0); int(id) < len(chans); id++ {
		in := false
		for _, m := range ids {
			if m == id {
				in = true
			}
		}
		if in && chans[id].Address == target {
			group = append(group, id)
		}
	}
	if len(group) == 0 {
		return None, Unknown
	}
	if !sizeRouting {
		pick := group[0]
		for _, id := range group {
			if chans[id].Default {
				pick = id
				break
			}
		}
		if m := chans[pick].MaxMessageSize; m != 0 && length > m {
			return None, TooLarge
		}
		return pick, Found
	}
	for _, id := range group {
		limit := uint64(math.MaxUint64)
		if p := chans[id].MaxPduSize; p != 0 {
			limit = uint64(p)
		}
		if m := chans[id].MaxMessageSize; m != 0 && uint64(m) < limit {
			limit = uint64(m)
		}
		if limit >= uint64(length) && (best == None || limit < bestLimit) {
			best, bestLimit = id, limit
		}
	}
	if best == None {
		return None, TooLarge
	}
	return best, Found
}

func TestResolveMatchesBruteForce(t *testing.T) {
	rnd := rand.New(rand.NewSource(13400))
	for round := 0; round < 200; round++ {
		n := 1 + rnd.Intn(24)
		chans := make([]Config, n)
		for i := range chans {
			chans[i] = Config{
				Address: uint16(0x1000 + rnd.Intn(6)),
				Default: rnd.Intn(4) == 0,
			}
			if rnd.Intn(3) > 0 {
				chans[i].MaxPduSize = uint32(1 + rnd.Intn(300))
			}
			if rnd.Intn(4) == 0 {
				chans[i].MaxMessageSize = uint32(1 + rnd.Intn(300))
			}
		}
		var scope []ID
		for i := range chans {
			if rnd.Intn(4) > 0 {
				scope = append(scope, ID(i))
			}
		}
		rnd.Shuffle(len(scope), func(i, j int) { scope[i], scope[j] = scope[j], scope[i] })

		tab, err := New(chans, [][]ID{scope})
		require.NoError(t, err)

		for q := 0; q < 40; q++ {
			target := uint16(0x1000 + rnd.Intn(7))
			length := uint32(rnd.Intn(320))
			for _, sr := range []bool{false, true} {
				wantID, wantRes := bruteForce(chans, scope, target, length, sr)
				id, res := tab.Resolve(0, target, length, sr)
				require.Equal(t, wantRes, res, "round %d target %x length %d size routing %v", round, target, length, sr)
				require.Equal(t, wantID, id, "round %d target %x length %d size routing %v", round, target, length, sr)
				if res == Found {
					c := tab.Get(id)
					assert.Equal(t, target, c.Address)
					if sr && c.MaxPduSize != 0 {
						assert.GreaterOrEqual(t, c.MaxPduSize, length)
					}
				}
			}
		}
	}
}

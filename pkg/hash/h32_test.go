package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestSumAndBytesRoundtrip(t *testing.T) {
	h := Sum([]byte("hello"))
	assert.Equal(t, h, FromBytes(h.Bytes()))
	assert.False(t, h.IsEmpty())
	assert.True(t, H32Empty.IsEmpty())
}

func TestXORReduceOrderInsensitive(t *testing.T) {
	a := Sum([]byte("a"))
	b := Sum([]byte("b"))
	c := Sum([]byte("c"))

	r1 := XORReduce([]H32{a, b, c})
	r2 := XORReduce([]H32{c, a, b})
	r3 := XORReduce([]H32{b, c, a})

	assert.Equal(t, r1, r2)
	assert.Equal(t, r1, r3)
}

func TestXORSelfInverse(t *testing.T) {
	a := Sum([]byte("x"))
	assert.Equal(t, H32Empty, a.XOR(a))
	assert.Equal(t, a, a.XOR(H32Empty))
}

func TestLessTotalOrder(t *testing.T) {
	a := Sum([]byte("a"))
	b := Sum([]byte("b"))

	assert.True(t, a.Less(b) || b.Less(a))
	assert.False(t, a.Less(a))
}

func TestSortH32Deterministic(t *testing.T) {
	hs := []H32{Sum([]byte("z")), Sum([]byte("a")), Sum([]byte("m"))}
	sorted := SortH32(hs)

	for i := 1; i < len(sorted); i++ {
		assert.True(t, sorted[i-1].Less(sorted[i]) || sorted[i-1].Equal(sorted[i]))
	}
}

func TestSortBytesDeterministic(t *testing.T) {
	in := [][]byte{[]byte("zz"), []byte("aa"), []byte("mm")}
	out := SortBytes(in)

	assert.Equal(t, []byte("aa"), out[0])
	assert.Equal(t, []byte("mm"), out[1])
	assert.Equal(t, []byte("zz"), out[2])
}

func TestMsgpackRoundtrip(t *testing.T) {
	h := Sum([]byte("wire"))

	b, err := msgpack.Marshal(h)
	require.NoError(t, err)

	var out H32
	require.NoError(t, msgpack.Unmarshal(b, &out))
	assert.Equal(t, h, out)
}

func TestMsgpackRoundtripEmpty(t *testing.T) {
	b, err := msgpack.Marshal(H32Empty)
	require.NoError(t, err)

	var out H32
	require.NoError(t, msgpack.Unmarshal(b, &out))
	assert.Equal(t, H32Empty, out)
}

func TestSequenceHashEqual(t *testing.T) {
	a := SequenceHash{SeqNo: 1, Hash: Sum([]byte("a"))}
	b := SequenceHash{SeqNo: 1, Hash: Sum([]byte("a"))}
	c := SequenceHash{SeqNo: 2, Hash: Sum([]byte("a"))}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

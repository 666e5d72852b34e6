package model

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"

	"golang.org/x/crypto/sha3"
	"gonum.org/v1/gonum/mat"
)

// ContentHash is a SHA3-256 digest over the hyperparameters and the exact
// bit patterns of every weight, visited in a fixed order. Two models hash
// equal only if every float is bit-identical.
func (m *Model) ContentHash() []byte {
	h := sha3.New256()
	c := m.Config

	writeString(h, c.Architecture)
	for _, v := range []int{c.DModel, c.DHead, c.Layers, c.Heads, c.VocabSize, c.VocabSizeOut, c.NCtx} {
		writeUint64(h, uint64(v))
	}
	writeUint64(h, math.Float64bits(c.AttnScale))

	m.eachMatrix(func(name string, w *mat.Dense) {
		writeString(h, name)
		r, cols := w.Dims()
		writeUint64(h, uint64(r))
		writeUint64(h, uint64(cols))
		for i := 0; i < r; i++ {
			for _, x := range w.RawRowView(i) {
				writeUint64(h, math.Float64bits(x))
			}
		}
	})
	return h.Sum(nil)
}

// ContentID is the hex form of ContentHash.
func (m *Model) ContentID() string {
	return hex.EncodeToString(m.ContentHash())
}

func writeUint64(h hash.Hash, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	h.Write(b[:])
}

func writeString(h hash.Hash, s string) {
	writeUint64(h, uint64(len(s)))
	h.Write([]byte(s))
}

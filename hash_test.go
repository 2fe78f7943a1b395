package cache

import "testing"

func TestBucketIndexOf(t *testing.T) {
	cases := []struct {
		hash uint64
		want int
	}{
		{0x0000000000000000, 0x00},
		{0xff00000000000000, 0xff},
		{0x4212345678abcdef, 0x42},
		{0x0100000000000000, 0x01},
	}
	for _, c := range cases {
		if got := bucketIndexOf(c.hash); got != c.want {
			t.Errorf("bucketIndexOf(%x) = %02x, want %02x", c.hash, got, c.want)
		}
	}
}

func TestTileSpreadHashVariesWithSeq(t *testing.T) {
	const hash = 0x42aabbccddeeff00
	seen := make(map[int]bool)
	for seq := 0; seq < 64; seq++ {
		seen[bucketIndexOf(tileSpreadHash(hash, seq))] = true
	}
	// The whole point of the spread hash is that consecutive tiles of
	// one entry do not pile onto one bucket.
	if len(seen) < 16 {
		t.Errorf("64 sequences landed in only %d buckets", len(seen))
	}

	if tileSpreadHash(hash, 0) == tileSpreadHash(hash, 1) {
		t.Error("seq does not contribute to spread hash")
	}
	if tileSpreadHash(hash, 0) != tileSpreadHash(hash, 0) {
		t.Error("spread hash not stable")
	}
}

func TestHashStringsBoundaries(t *testing.T) {
	if HashStrings("ab", "c") == HashStrings("a", "bc") {
		t.Error("concatenation collision: boundaries must contribute")
	}
	if HashStrings("x") != HashStrings("x") {
		t.Error("HashStrings not stable")
	}
	if HashBytes([]byte("node")) != HashBytes([]byte("node")) {
		t.Error("HashBytes not stable")
	}
}

package offsetmap

// hash32 is the FNV-1a/32 hash specified by spec.md §4.B, with the exact
// offset basis and prime from
// _examples/original_source/dynHashmap.c's hash32(). Go's stdlib
// hash/fnv.New32a implements the identical algorithm; this is kept as a
// small local function (rather than allocating a hash.Hash32 per lookup)
// since every caller wants a single uint32 digest of a short key, never a
// streaming writer.
func hash32(key []byte) uint32 {
	const offsetBasis uint32 = 2166136261
	const prime uint32 = 16777619

	h := offsetBasis
	for _, b := range key {
		h ^= uint32(b)
		h *= prime
	}
	return h
}

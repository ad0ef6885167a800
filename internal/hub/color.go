package hub

import (
	"hash/fnv"
	"strconv"
)

// Palette is the fixed set of presence colors.
var Palette = [10]string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#FFA07A",
	"#98D8C8",
	"#F7DC6F",
	"#BB8FCE",
	"#85C1E2",
	"#F8B88B",
	"#A8E6CF",
}

// ColorFor returns the user's presence color. Numeric ids index the
// palette directly; other ids are hashed.
func ColorFor(userID string) string {
	if n, err := strconv.ParseUint(userID, 10, 64); err == nil {
		return Palette[n%uint64(len(Palette))]
	}
	h := fnv.New32a()
	h.Write([]byte(userID))
	return Palette[h.Sum32()%uint32(len(Palette))]
}

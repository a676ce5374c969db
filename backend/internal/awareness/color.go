package awareness

import (
	"fmt"
	"hash/fnv"
	"strconv"
)

// UserColor derives a stable cursor color from the leading hex digits of a user id.
// Ids that are not hex fall back to an FNV hash.
func UserColor(userID string) string {
	prefix := userID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	n, err := strconv.ParseUint(prefix, 16, 64)
	if err != nil {
		h := fnv.New32a()
		_, _ = h.Write([]byte(userID))
		n = uint64(h.Sum32())
	}
	return fmt.Sprintf("#%06x", n%0xFFFFFF)
}

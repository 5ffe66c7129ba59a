package spread

import (
	"hash/crc32"
	"strconv"
)

// Slot returns the offset in seconds, within [0, interval), at which a feed's refresh
// window opens. The hash covers the credential-free URL, the numeric id and the salt, so
// renames keep the slot and changing the salt reshuffles every feed at once.
func Slot(feedURL string, feedID int64, salt string, interval int64) int64 {
	if interval <= 0 {
		return 0
	}

	input := make([]byte, 0, len(feedURL)+len(salt)+24)
	input = append(input, feedURL...)
	input = append(input, '|')
	input = strconv.AppendInt(input, feedID, 10)
	input = append(input, '|')
	input = append(input, salt...)

	return int64(uint64(crc32.ChecksumIEEE(input)) % uint64(interval))
}

package command

import (
	"path/filepath"
	"sort"
	"strconv"

	"github.com/AutoCookies/kvstore/internal/resp"
)

// collectionScanReply implements the shared HSCAN/SSCAN/ZSCAN shape:
// args is the full command (cursor at args[2], then MATCH/COUNT pairs),
// items the collection's member names, values an optional member->value
// map whose entry is emitted after each member (field values for HSCAN,
// scores for ZSCAN). The cursor is a plain position into the sorted
// member list; small collections are the norm here, and sorting makes
// the iteration stable across calls (the main keyspace SCAN uses a
// shard-index cursor instead).
func collectionScanReply(args []string, items []string, values map[string]string, dst []byte) []byte {
	cur, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return resp.AppendError(dst, "ERR invalid cursor")
	}
	count := 10
	var pattern string
	for i := 3; i < len(args); i++ {
		switch args[i] {
		case "COUNT", "count":
			if i+1 >= len(args) {
				return resp.AppendError(dst, "ERR syntax error")
			}
			c, cerr := strconv.Atoi(args[i+1])
			if cerr != nil || c <= 0 {
				return resp.AppendError(dst, "ERR value is not an integer or out of range")
			}
			count = c
			i++
		case "MATCH", "match":
			if i+1 >= len(args) {
				return resp.AppendError(dst, "ERR syntax error")
			}
			pattern = args[i+1]
			i++
		default:
			return resp.AppendError(dst, "ERR syntax error")
		}
	}

	sort.Strings(items)

	var out []string
	pos := int(cur)
	for pos < len(items) && len(out) < count {
		m := items[pos]
		pos++
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, m); !ok {
				continue
			}
		}
		out = append(out, m)
	}
	next := uint64(pos)
	if pos >= len(items) {
		next = 0
	}

	dst = resp.AppendArrayHeader(dst, 2)
	dst = resp.AppendBulkString(dst, []byte(strconv.FormatUint(next, 10)))
	n := len(out)
	if values != nil {
		n *= 2
	}
	dst = resp.AppendArrayHeader(dst, n)
	for _, m := range out {
		dst = resp.AppendBulkString(dst, []byte(m))
		if values != nil {
			dst = resp.AppendBulkString(dst, []byte(values[m]))
		}
	}
	return dst
}

func appendEmptyScanReply(dst []byte) []byte {
	dst = resp.AppendArrayHeader(dst, 2)
	dst = resp.AppendBulkString(dst, []byte("0"))
	return resp.AppendArrayHeader(dst, 0)
}

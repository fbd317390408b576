package vectorstore

import "strconv"

// encodeCursor/decodeCursor turn the Memory implementation's insertion
// index into the opaque cursor string Scroll's callers pass back in.
// A real vector-DB-backed Facade would use its own native cursor instead;
// callers must treat this value as opaque either way.
func encodeCursor(i int) string {
	return strconv.Itoa(i)
}

func decodeCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

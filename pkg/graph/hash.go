package graph

import "strconv"

/*
ContentHash produces the dedup key for a (type, content) pair. It is a
32-bit rolling hash encoded base-36; fast and deterministic, collisions are
acceptable because it only gates node reuse, never security.
*/
func ContentHash(nodeType NodeType, content string) string {
	input := string(nodeType) + ":" + content

	var hash uint32
	for _, r := range input {
		hash = hash*31 + uint32(r)
	}

	return strconv.FormatUint(uint64(hash), 36)
}

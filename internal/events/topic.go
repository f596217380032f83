package events

import "strings"

// Match reports whether routing key matches a dot-separated binding pattern, where "*"
// matches exactly one word and "#" matches zero or more words.
func Match(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	if len(p) == 0 {
		return len(k) == 0
	}
	switch p[0] {
	case "#":
		for i := 0; i <= len(k); i++ {
			if matchWords(p[1:], k[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(k) > 0 && matchWords(p[1:], k[1:])
	default:
		return len(k) > 0 && p[0] == k[0] && matchWords(p[1:], k[1:])
	}
}

func validPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	for _, w := range strings.Split(pattern, ".") {
		if w == "" {
			return false
		}
	}
	return true
}

func validQueueName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/ \t\n")
}

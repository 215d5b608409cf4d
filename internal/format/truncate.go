package format

import (
	"encoding/json"
	"fmt"
)

// noticeReserve is the output budget held back for the truncation notice.
const noticeReserve = 160

// Truncate returns a formatter that bounds output to limit characters.
// JSON payloads are truncated structurally: the largest record array is
// shortened element by element so the remainder stays valid JSON. Anything
// else is cut at the character budget. A limit of zero disables truncation.
func Truncate(limit int) Func {
	return func(raw string) (string, error) {
		if limit <= 0 || len(raw) <= limit {
			return raw, nil
		}
		if out, ok := truncateJSON(raw, limit); ok {
			return out, nil
		}
		return simpleTruncate(raw, limit), nil
	}
}

// arrayInfo describes one array found inside a JSON document.
type arrayInfo struct {
	container map[string]any // object holding the array; nil when top-level
	field     string
	elements  []any
	size      int
}

// truncateJSON shortens the largest record array in a JSON document until
// the re-marshaled result fits the budget, then appends a notice. Returns
// ok=false when the payload is not JSON or holds no usable array.
func truncateJSON(raw string, limit int) (string, bool) {
	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return "", false
	}

	best := largestArray(data, 0, 3)
	if best == nil || len(best.elements) == 0 {
		return "", false
	}

	total := len(best.elements)
	budget := limit - noticeReserve
	if budget < 0 {
		budget = limit / 2
	}

	// Start from a size-proportional estimate, then halve until it fits.
	keep := total * budget / len(raw)
	if keep >= total {
		keep = total - 1
	}
	if keep < 1 {
		keep = 1
	}

	for ; keep >= 1; keep /= 2 {
		shortened := best.elements[:keep]
		if best.container != nil {
			best.container[best.field] = shortened
		} else {
			data = any(shortened)
		}

		out, err := json.Marshal(data)
		if err != nil {
			return "", false
		}
		if len(out) <= budget {
			return string(out) + fmt.Sprintf("\n\n... [output truncated: %d of %d records shown, %d chars total]",
				keep, total, len(raw)), true
		}
	}
	return "", false
}

// largestArray walks the document up to maxDepth and returns the biggest
// array by marshaled size. Arrays nested in other arrays are not considered;
// record lists live at object fields or the top level.
func largestArray(data any, depth, maxDepth int) *arrayInfo {
	if depth > maxDepth {
		return nil
	}

	switch v := data.(type) {
	case []any:
		size := 2
		if out, err := json.Marshal(v); err == nil {
			size = len(out)
		}
		return &arrayInfo{elements: v, size: size}
	case map[string]any:
		var best *arrayInfo
		for field, val := range v {
			arr, ok := val.([]any)
			if ok {
				size := 2
				if out, err := json.Marshal(arr); err == nil {
					size = len(out)
				}
				if best == nil || size > best.size {
					best = &arrayInfo{container: v, field: field, elements: arr, size: size}
				}
				continue
			}
			if child := largestArray(val, depth+1, maxDepth); child != nil {
				if best == nil || child.size > best.size {
					best = child
				}
			}
		}
		return best
	default:
		return nil
	}
}

func simpleTruncate(raw string, limit int) string {
	reserve := noticeReserve
	if limit < reserve*2 {
		reserve = limit / 2
	}
	cut := limit - reserve
	if cut < 0 {
		cut = 0
	}
	// Avoid splitting a UTF-8 sequence.
	for cut > 0 && !utf8Start(raw[cut]) {
		cut--
	}
	return raw[:cut] + fmt.Sprintf("\n\n... [output truncated: %d of %d chars shown]", cut, len(raw))
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

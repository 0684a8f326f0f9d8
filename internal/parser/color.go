package parser

import (
	"fmt"
	"strconv"
	"strings"
)

// ColorHex converts a computed CSS color ("rgb(255, 0, 0)", "rgba(0, 0, 0, 0)") into
// "#rrggbb". Fully transparent or unparsable values yield "".
func ColorHex(css string) string {
	css = strings.ToLower(strings.TrimSpace(css))
	if css == "" || css == "transparent" {
		return ""
	}
	if strings.HasPrefix(css, "#") {
		if len(css) == 7 {
			return css
		}
		return ""
	}

	open := strings.IndexByte(css, '(')
	if open < 0 || !strings.HasSuffix(css, ")") {
		return ""
	}
	fn := css[:open]
	if fn != "rgb" && fn != "rgba" {
		return ""
	}

	parts := strings.Split(css[open+1:len(css)-1], ",")
	if len(parts) != 3 && len(parts) != 4 {
		return ""
	}

	var rgb [3]int
	for i := 0; i < 3; i++ {
		v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil || v < 0 || v > 255 {
			return ""
		}
		rgb[i] = v
	}
	if len(parts) == 4 {
		alpha, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		if err != nil || alpha <= 0 {
			return ""
		}
	}

	return fmt.Sprintf("#%02x%02x%02x", rgb[0], rgb[1], rgb[2])
}

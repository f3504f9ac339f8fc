package filter

import (
	"regexp"
	"strings"
)

// pattern is one compiled exclusion glob.
type pattern struct {
	glob     string
	re       *regexp.Regexp
	anchored bool // contains /, matched from the tree root
	dirOnly  bool // trailing /, matches directories only
}

func compile(glob string) (*pattern, error) {
	p := &pattern{glob: glob}

	body := glob
	if strings.HasSuffix(body, "/") {
		p.dirOnly = true
		body = strings.TrimSuffix(body, "/")
	}
	// A slash anywhere anchors the pattern to the tree root, same as rsync.
	if strings.HasPrefix(body, "/") {
		p.anchored = true
		body = strings.TrimPrefix(body, "/")
	} else if strings.Contains(body, "/") {
		p.anchored = true
	}

	expr := globExpr(body)
	if p.anchored {
		expr = "^" + expr + "$"
	} else {
		expr = "(^|/)" + expr + "$"
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	p.re = re
	return p, nil
}

func (p *pattern) match(relPath string, isDir bool) bool {
	if p.dirOnly && !isDir {
		return false
	}
	return p.re.MatchString(relPath)
}

// globExpr translates one glob into a regexp source string.
func globExpr(glob string) string {
	var b strings.Builder
	for i := 0; i < len(glob); {
		switch c := glob[i]; c {
		case '*':
			if strings.HasPrefix(glob[i:], "**/") {
				b.WriteString("(.*/)?") // zero or more whole segments
				i += 3
			} else if strings.HasPrefix(glob[i:], "**") {
				b.WriteString(".*")
				i += 2
			} else {
				b.WriteString("[^/]*")
				i++
			}
		case '?':
			b.WriteString("[^/]")
			i++
		case '[':
			end := strings.IndexByte(glob[i+1:], ']')
			if end < 0 {
				b.WriteString(regexp.QuoteMeta("["))
				i++
				break
			}
			cls := glob[i+1 : i+1+end]
			if strings.HasPrefix(cls, "!") {
				cls = "^" + cls[1:]
			}
			b.WriteString("[" + cls + "]")
			i += end + 2
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	return b.String()
}

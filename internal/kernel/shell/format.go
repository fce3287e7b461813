// Package shell implements the kernel's line-oriented command shell:
// byte-at-a-time REPL, in-place tokenizer, linear-scan command
// registry, and a bounded printf-like formatter.
package shell

import (
	"strconv"
	"strings"
)

// Format renders format against args, supporting the formatter's
// literal verb set (%d signed decimal, %u unsigned decimal, %x
// lowercase 0x-prefixed hex, %s string, %c byte/rune, %% literal
// percent) with no width or precision, truncated to maxLen bytes to
// match a line buffer of fixed capacity.
func Format(maxLen int, format string, args ...any) string {
	var b strings.Builder
	argi := 0
	next := func() any {
		if argi >= len(args) {
			return nil
		}
		v := args[argi]
		argi++
		return v
	}
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i == len(format)-1 {
			b.WriteByte(c)
			if b.Len() >= maxLen {
				return b.String()[:maxLen]
			}
			continue
		}
		i++
		switch format[i] {
		case 'd':
			if v := next(); v != nil {
				b.WriteString(strconv.FormatInt(toInt64(v), 10))
			}
		case 'u':
			if v := next(); v != nil {
				b.WriteString(strconv.FormatUint(toUint64(v), 10))
			}
		case 'x':
			if v := next(); v != nil {
				b.WriteString("0x" + strconv.FormatUint(toUint64(v), 16))
			}
		case 's':
			if v := next(); v != nil {
				if s, ok := v.(string); ok {
					b.WriteString(s)
				}
			}
		case 'c':
			if v := next(); v != nil {
				b.WriteByte(toByte(v))
			}
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(format[i])
		}
		if b.Len() >= maxLen {
			return b.String()[:maxLen]
		}
	}
	out := b.String()
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case int:
		return uint64(n)
	case int32:
		return uint64(n)
	case int64:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	default:
		return 0
	}
}

func toByte(v any) byte {
	switch n := v.(type) {
	case byte:
		return n
	case rune:
		return byte(n)
	case int:
		return byte(n)
	default:
		return 0
	}
}

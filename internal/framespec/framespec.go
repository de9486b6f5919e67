// Package framespec parses one-line frame descriptions such as
//
//	pgn=0xFF51 prio=6 src=0x63 dst=0xFF data=[0xFF,0,0,0,0,0,0,0]
//
// into j1939.FrameRequest values. Unset fields take the catalog defaults
// (priority 6, source 0x63, broadcast destination); len defaults to the
// number of data bytes.
package framespec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/kstaniek/go-vehicle-can/internal/j1939"
)

var (
	ErrSyntax       = errors.New("framespec: syntax error")
	ErrUnknownKey   = errors.New("framespec: unknown key")
	ErrDuplicateKey = errors.New("framespec: duplicate key")
	ErrRange        = errors.New("framespec: value out of range")
	ErrType         = errors.New("framespec: wrong value type")
	ErrMissingPGN   = errors.New("framespec: pgn is required")
)

// DefaultPriority matches the catalog's output modules.
const DefaultPriority uint8 = 6

type specAST struct {
	Fields []*fieldAST `parser:"@@*"`
}

type fieldAST struct {
	Pos  lexer.Position
	Key  string   `parser:"@Ident '='"`
	List *listAST `parser:"( @@"`
	Num  *string  `parser:"| @Number )"`
}

type listAST struct {
	Items []string `parser:"'[' ( @Number ( ',' @Number )* )? ']'"`
}

var specLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Number", Pattern: `0[xX][0-9a-fA-F]+|0[bB][01]+|[0-9]+`},
	{Name: "Ident", Pattern: `[a-zA-Z_]+`},
	{Name: "Punct", Pattern: `[=\[\],]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var parser = participle.MustBuild[specAST](
	participle.Lexer(specLexer),
	participle.Elide("Whitespace"),
)

// Parse turns a description into an enabled FrameRequest.
func Parse(s string) (j1939.FrameRequest, error) {
	req := j1939.FrameRequest{
		Enabled:     true,
		Priority:    DefaultPriority,
		Source:      j1939.DefaultSource,
		Destination: j1939.Broadcast,
	}
	ast, err := parser.ParseString("", s)
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	seen := make(map[string]bool, len(ast.Fields))
	var (
		havePGN bool
		haveLen bool
		ndata   int
	)
	for _, f := range ast.Fields {
		key := canonical(f.Key)
		if key == "" {
			return req, fmt.Errorf("%w %q at %s", ErrUnknownKey, f.Key, f.Pos)
		}
		if seen[key] {
			return req, fmt.Errorf("%w %q at %s", ErrDuplicateKey, f.Key, f.Pos)
		}
		seen[key] = true

		if key == "data" {
			if f.List == nil {
				return req, fmt.Errorf("%w: data wants [..] at %s", ErrType, f.Pos)
			}
			if len(f.List.Items) > len(req.Data) {
				return req, fmt.Errorf("%w: %d data bytes", j1939.ErrInvalidLength, len(f.List.Items))
			}
			for i, item := range f.List.Items {
				v, err := number(item, 0xFF)
				if err != nil {
					return req, fmt.Errorf("data[%d]: %w", i, err)
				}
				req.Data[i] = uint8(v)
			}
			ndata = len(f.List.Items)
			continue
		}
		if f.Num == nil {
			return req, fmt.Errorf("%w: %s wants a number at %s", ErrType, key, f.Pos)
		}
		switch key {
		case "pgn":
			v, err := number(*f.Num, 0xFFFFFF)
			if err != nil {
				return req, fmt.Errorf("pgn: %w", err)
			}
			req.PGN = uint32(v)
			havePGN = true
		case "prio":
			v, err := number(*f.Num, 7)
			if err != nil {
				return req, fmt.Errorf("prio: %w", err)
			}
			req.Priority = uint8(v)
		case "src":
			v, err := number(*f.Num, 0xFF)
			if err != nil {
				return req, fmt.Errorf("src: %w", err)
			}
			req.Source = uint8(v)
		case "dst":
			v, err := number(*f.Num, 0xFF)
			if err != nil {
				return req, fmt.Errorf("dst: %w", err)
			}
			req.Destination = uint8(v)
		case "len":
			v, err := number(*f.Num, 0xFF)
			if err != nil {
				return req, fmt.Errorf("len: %w", err)
			}
			if v > uint64(len(req.Data)) {
				return req, fmt.Errorf("%w: %d", j1939.ErrInvalidLength, v)
			}
			req.Length = uint8(v)
			haveLen = true
		}
	}
	if !havePGN {
		return req, ErrMissingPGN
	}
	if !haveLen {
		req.Length = uint8(ndata)
	}
	return req, nil
}

func canonical(key string) string {
	switch strings.ToLower(key) {
	case "pgn":
		return "pgn"
	case "prio", "priority":
		return "prio"
	case "src", "sa":
		return "src"
	case "dst", "da":
		return "dst"
	case "data":
		return "data"
	case "len":
		return "len"
	default:
		return ""
	}
}

func number(s string, max uint64) (uint64, error) {
	// Base prefixes are explicit in the lexer; a leading zero is decimal.
	base := 10
	digits := s
	switch {
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		base, digits = 16, s[2:]
	case strings.HasPrefix(s, "0b"), strings.HasPrefix(s, "0B"):
		base, digits = 2, s[2:]
	}
	v, err := strconv.ParseUint(digits, base, 64)
	if err != nil || v > max {
		return 0, fmt.Errorf("%w: %s (max 0x%X)", ErrRange, s, max)
	}
	return v, nil
}

// Format renders r in the grammar Parse accepts.
func Format(r j1939.FrameRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pgn=0x%04X prio=%d src=0x%02X dst=0x%02X data=[", r.PGN, r.Priority&0x7, r.Source, r.Destination)
	n := int(r.Length)
	if n > len(r.Data) {
		n = len(r.Data)
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "0x%02X", r.Data[i])
	}
	b.WriteByte(']')
	return b.String()
}

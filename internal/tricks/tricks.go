// Package tricks enumerates the proof configurations: for each error-prone
// subcomputation, whether it is computed exactly or bounded.
package tricks

import (
	"errors"
	"fmt"
	"strings"
)

var ErrParse = errors.New("tricks: cannot parse")

// AttentionHandling selects how the query-key score residual is handled.
type AttentionHandling uint8

const (
	// AttentionExact materializes the full query-key score matrix.
	AttentionExact AttentionHandling = iota
	// AttentionMaxDiff bounds the residual with the split-point row-diff bound.
	AttentionMaxDiff
	// AttentionSVD bounds the residual with the singular-value bound.
	AttentionSVD
)

// EUPUHandling selects how the direct embedding→unembedding path is handled.
type EUPUHandling uint8

const (
	EUPUExact EUPUHandling = iota
	EUPUMaxDiff
	EUPUSVD
)

// PositionHandling selects how positional score and value terms are handled.
type PositionHandling uint8

const (
	PositionExact PositionHandling = iota
	PositionMaxDiff
)

var (
	attentionNames = [...]string{"exact", "maxdiff", "svd"}
	eupuNames      = [...]string{"exact", "maxdiff", "svd"}
	positionNames  = [...]string{"exact", "maxdiff"}
)

func (a AttentionHandling) String() string {
	if int(a) < len(attentionNames) {
		return attentionNames[a]
	}
	return fmt.Sprintf("attention(%d)", uint8(a))
}

func (e EUPUHandling) String() string {
	if int(e) < len(eupuNames) {
		return eupuNames[e]
	}
	return fmt.Sprintf("eupu(%d)", uint8(e))
}

func (p PositionHandling) String() string {
	if int(p) < len(positionNames) {
		return positionNames[p]
	}
	return fmt.Sprintf("position(%d)", uint8(p))
}

// Tricks is one proof configuration. The zero value computes everything
// exactly.
type Tricks struct {
	Attention AttentionHandling
	EUPU      EUPUHandling
	Position  PositionHandling
}

// Default is the cheapest configuration that still certifies well-trained
// max-of-N models.
func Default() Tricks {
	return Tricks{Attention: AttentionMaxDiff, EUPU: EUPUMaxDiff, Position: PositionExact}
}

// All enumerates every configuration in a fixed order.
func All() []Tricks {
	out := make([]Tricks, 0, len(attentionNames)*len(eupuNames)*len(positionNames))
	for a := range attentionNames {
		for e := range eupuNames {
			for p := range positionNames {
				out = append(out, Tricks{
					Attention: AttentionHandling(a),
					EUPU:      EUPUHandling(e),
					Position:  PositionHandling(p),
				})
			}
		}
	}
	return out
}

// Valid reports whether every field names a known strategy.
func (t Tricks) Valid() bool {
	return int(t.Attention) < len(attentionNames) &&
		int(t.EUPU) < len(eupuNames) &&
		int(t.Position) < len(positionNames)
}

// String is the short form used as cache key and report column,
// e.g. "attn-maxdiff_eupu-svd_pos-exact".
func (t Tricks) String() string {
	return "attn-" + t.Attention.String() + "_eupu-" + t.EUPU.String() + "_pos-" + t.Position.String()
}

// Parse inverts String.
func Parse(s string) (Tricks, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 3 {
		return Tricks{}, fmt.Errorf("%w %q: want 3 fields, got %d", ErrParse, s, len(parts))
	}
	a, err := lookup(parts[0], "attn-", attentionNames[:])
	if err != nil {
		return Tricks{}, fmt.Errorf("%w %q: %v", ErrParse, s, err)
	}
	e, err := lookup(parts[1], "eupu-", eupuNames[:])
	if err != nil {
		return Tricks{}, fmt.Errorf("%w %q: %v", ErrParse, s, err)
	}
	p, err := lookup(parts[2], "pos-", positionNames[:])
	if err != nil {
		return Tricks{}, fmt.Errorf("%w %q: %v", ErrParse, s, err)
	}
	return Tricks{Attention: AttentionHandling(a), EUPU: EUPUHandling(e), Position: PositionHandling(p)}, nil
}

// ParseList parses a comma-separated list; "all" expands to All().
func ParseList(s string) ([]Tricks, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "all" {
		return All(), nil
	}
	var out []Tricks
	for _, field := range strings.Split(s, ",") {
		if field = strings.TrimSpace(field); field == "" {
			continue
		}
		if field == "default" {
			out = append(out, Default())
			continue
		}
		t, err := Parse(field)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func lookup(field, prefix string, names []string) (int, error) {
	name, ok := strings.CutPrefix(field, prefix)
	if !ok {
		return 0, fmt.Errorf("field %q lacks prefix %q", field, prefix)
	}
	for i, n := range names {
		if n == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", name)
}

func (t Tricks) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("tricks: invalid configuration %v", t.String())
	}
	return []byte(t.String()), nil
}

func (t *Tricks) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

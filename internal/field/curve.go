package field

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// GlobalCurveKey is the curves.json key that applies to every frame without
// its own entry.
const GlobalCurveKey = "global"

// ToneCurve is an exposure / white-balance / gamma adjustment.
type ToneCurve struct {
	Exposure     float64    `json:"exposure"`
	Gamma        float64    `json:"gamma"`
	WhiteBalance [3]float64 `json:"white_balance"`
}

// IdentityCurve leaves every pixel unchanged.
func IdentityCurve() ToneCurve {
	return ToneCurve{Exposure: 1, Gamma: 1, WhiteBalance: [3]float64{1, 1, 1}}
}

// IsIdentity reports whether applying the curve is a no-op.
func (c ToneCurve) IsIdentity() bool {
	return c == IdentityCurve()
}

// UnmarshalJSON fills fields missing from the record with identity values.
func (c *ToneCurve) UnmarshalJSON(data []byte) error {
	var raw struct {
		Exposure     *float64  `json:"exposure"`
		Gamma        *float64  `json:"gamma"`
		WhiteBalance []float64 `json:"white_balance"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = IdentityCurve()
	if raw.Exposure != nil {
		c.Exposure = *raw.Exposure
	}
	if raw.Gamma != nil {
		c.Gamma = *raw.Gamma
	}
	if raw.WhiteBalance != nil {
		if len(raw.WhiteBalance) != 3 {
			return fmt.Errorf("white_balance must have 3 values, got %d", len(raw.WhiteBalance))
		}
		copy(c.WhiteBalance[:], raw.WhiteBalance)
	}
	return nil
}

// CurveSet is the decoded curves.json: per-frame curves keyed by the decimal
// frame index, plus an optional "global" entry.
type CurveSet map[string]ToneCurve

// ParseCurveSet decodes a curves.json document.
func ParseCurveSet(data []byte) (CurveSet, error) {
	var cs CurveSet
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("parse curves: %w", err)
	}
	return cs, nil
}

// For resolves the curve for a frame: per-index first, then global, then
// identity.
func (cs CurveSet) For(frame int) ToneCurve {
	if c, ok := cs[strconv.Itoa(frame)]; ok {
		return c
	}
	if c, ok := cs[GlobalCurveKey]; ok {
		return c
	}
	return IdentityCurve()
}

package resources

import (
	"fmt"

	units "github.com/docker/go-units"
	"github.com/shopspring/decimal"
)

// ParseSlots converts user-facing strings into a normalized slot set.
// Memory values accept human units ("512m", "1g"); everything else is a
// plain decimal. The result is normalized against the registry.
func ParseSlots(raw map[string]string, reg SlotTypeRegistry) (Slots, error) {
	s := make(Slots, len(raw))
	for name, value := range raw {
		k := SlotName(name)
		st, ok := reg[k]
		if !ok {
			return nil, &UnknownSlotError{Slot: k}
		}
		var (
			d   decimal.Decimal
			err error
		)
		if st == SlotTypeBytes {
			d, err = parseBytes(value)
		} else {
			d, err = decimal.NewFromString(value)
		}
		if err != nil {
			return nil, fmt.Errorf("slot %s: %w", k, err)
		}
		s[k] = d
	}
	return reg.Normalize(s)
}

// parseBytes parses "1g", "512m" or a bare byte count into an exact byte
// quantity.
func parseBytes(v string) (decimal.Decimal, error) {
	n, err := units.RAMInBytes(v)
	if err != nil {
		return decimal.Zero, err
	}
	if n < 0 {
		return decimal.Zero, fmt.Errorf("negative byte quantity %q", v)
	}
	return decimal.NewFromInt(n), nil
}

// FormatBytes renders an exact byte count back into human units. It is the
// inverse of parseBytes for quantities that divide evenly; otherwise it
// falls back to a raw byte count.
func FormatBytes(d decimal.Decimal) string {
	if !d.Equal(d.Truncate(0)) {
		return d.String()
	}
	n := d.IntPart()
	// units.BytesSize uses decimal multiples; memory slots use binary.
	for _, u := range []struct {
		suffix string
		factor int64
	}{
		{"t", 1 << 40},
		{"g", 1 << 30},
		{"m", 1 << 20},
		{"k", 1 << 10},
	} {
		if n >= u.factor && n%u.factor == 0 {
			return fmt.Sprintf("%d%s", n/u.factor, u.suffix)
		}
	}
	return fmt.Sprintf("%d", n)
}

package resources

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// SlotName identifies one dimension of the resource vector, e.g. "cpu",
// "mem", "cuda.device" or "cuda.shares".
type SlotName string

// Well-known intrinsic slots. Accelerator slots are registered dynamically
// through the SlotTypeRegistry.
const (
	SlotCPU SlotName = "cpu"
	SlotMem SlotName = "mem"
)

// SlotType declares how a slot's quantity is interpreted.
type SlotType string

const (
	// SlotTypeCount is a whole-device count (e.g. cuda.device).
	SlotTypeCount SlotType = "count"
	// SlotTypeBytes is a byte quantity (mem).
	SlotTypeBytes SlotType = "bytes"
	// SlotTypeRatio is a fractional share with two-decimal precision
	// (e.g. cuda.shares).
	SlotTypeRatio SlotType = "ratio"
)

// ratioPrecision is the number of decimal places kept for ratio slots.
const ratioPrecision = 2

// InsufficientResourceError reports a per-dimension shortfall during slot
// subtraction or agent reservation.
type InsufficientResourceError struct {
	Slot      SlotName
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientResourceError) Error() string {
	return fmt.Sprintf("insufficient resource: slot %s requested %s but only %s available",
		e.Slot, e.Requested, e.Available)
}

// UnknownSlotError reports a slot name absent from the known-slot registry.
type UnknownSlotError struct {
	Slot SlotName
}

func (e *UnknownSlotError) Error() string {
	return fmt.Sprintf("unknown resource slot: %s", e.Slot)
}

// Slots is a sparse mapping from slot name to a non-negative decimal
// quantity. Absent keys are treated as zero in all comparisons and
// arithmetic.
type Slots map[SlotName]decimal.Decimal

// NewSlots builds a Slots value from integer counts, mostly for tests and
// defaults.
func NewSlots(m map[SlotName]int64) Slots {
	s := make(Slots, len(m))
	for k, v := range m {
		s[k] = decimal.NewFromInt(v)
	}
	return s
}

// Clone returns a deep copy.
func (s Slots) Clone() Slots {
	out := make(Slots, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Get returns the quantity for a slot, zero when absent.
func (s Slots) Get(name SlotName) decimal.Decimal {
	if v, ok := s[name]; ok {
		return v
	}
	return decimal.Zero
}

// IsZero reports whether every present dimension is zero.
func (s Slots) IsZero() bool {
	for _, v := range s {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// Add returns the component-wise sum of s and other.
func (s Slots) Add(other Slots) Slots {
	out := s.Clone()
	for k, v := range other {
		out[k] = out.Get(k).Add(v)
	}
	return out
}

// Sub returns the component-wise difference s - other. It fails with
// InsufficientResourceError on the first dimension that would go negative.
func (s Slots) Sub(other Slots) (Slots, error) {
	out := s.Clone()
	for _, k := range other.sortedNames() {
		v := other[k]
		rest := out.Get(k).Sub(v)
		if rest.IsNegative() {
			return nil, &InsufficientResourceError{
				Slot:      k,
				Requested: v,
				Available: s.Get(k),
			}
		}
		out[k] = rest
	}
	return out, nil
}

// SubUnchecked returns s - other allowing negative components. Used only
// for drift reporting, never for bookkeeping.
func (s Slots) SubUnchecked(other Slots) Slots {
	out := s.Clone()
	for k, v := range other {
		out[k] = out.Get(k).Sub(v)
	}
	return out
}

// MulScalar returns s scaled by n, used to expand per-kernel requests to a
// cluster-wide total.
func (s Slots) MulScalar(n int64) Slots {
	factor := decimal.NewFromInt(n)
	out := make(Slots, len(s))
	for k, v := range s {
		out[k] = v.Mul(factor)
	}
	return out
}

// LessOrEqual reports the partial order a <= b: every dimension of s must
// not exceed the corresponding dimension of other, absent keys counting as
// zero on both sides.
func (s Slots) LessOrEqual(other Slots) bool {
	for k, v := range s {
		if v.GreaterThan(other.Get(k)) {
			return false
		}
	}
	return true
}

// Exceeds reports whether any dimension of s is strictly greater than in
// other. It is the negation of LessOrEqual, named for predicate readability.
func (s Slots) Exceeds(other Slots) bool {
	return !s.LessOrEqual(other)
}

// ExceedingSlots returns the names of the dimensions where s > other,
// sorted, for diagnosis messages.
func (s Slots) ExceedingSlots(other Slots) []SlotName {
	var names []SlotName
	for k, v := range s {
		if v.GreaterThan(other.Get(k)) {
			names = append(names, k)
		}
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func (s Slots) sortedNames() []SlotName {
	names := make([]SlotName, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// String renders the slots in canonical sorted order.
func (s Slots) String() string {
	parts := make([]string, 0, len(s))
	for _, k := range s.sortedNames() {
		parts = append(parts, fmt.Sprintf("%s=%s", k, s[k]))
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return "{" + out + "}"
}

// MarshalJSON serializes to the canonical persisted form: an object with
// sorted keys and string-encoded decimal values.
func (s Slots) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(s))
	for k, v := range s {
		m[string(k)] = v.String()
	}
	return json.Marshal(m)
}

// UnmarshalJSON parses the canonical persisted form.
func (s *Slots) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	out := make(Slots, len(m))
	for k, v := range m {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("slot %s: %w", k, err)
		}
		out[SlotName(k)] = d
	}
	*s = out
	return nil
}

// SlotTypeRegistry is the system-wide set of known slot types. Slot sets
// are normalized against it before they enter the scheduler; unknown slots
// are rejected.
type SlotTypeRegistry map[SlotName]SlotType

// DefaultSlotTypes covers the intrinsic slots plus the accelerator
// families the platform ships drivers for.
func DefaultSlotTypes() SlotTypeRegistry {
	return SlotTypeRegistry{
		SlotCPU:        SlotTypeCount,
		SlotMem:        SlotTypeBytes,
		"cuda.device":  SlotTypeCount,
		"cuda.shares":  SlotTypeRatio,
		"rocm.device":  SlotTypeCount,
		"tpu.device":   SlotTypeCount,
		"ipu.device":   SlotTypeCount,
		"atom.device":  SlotTypeCount,
		"warboy.device": SlotTypeCount,
	}
}

// Normalize validates every slot against the registry and canonicalizes
// quantities per slot type: counts are truncated to integers, bytes are
// rounded down to whole bytes and ratios are rounded to two decimals.
func (r SlotTypeRegistry) Normalize(s Slots) (Slots, error) {
	out := make(Slots, len(s))
	for _, k := range s.sortedNames() {
		v := s[k]
		st, ok := r[k]
		if !ok {
			return nil, &UnknownSlotError{Slot: k}
		}
		if v.IsNegative() {
			return nil, fmt.Errorf("slot %s: negative quantity %s", k, v)
		}
		switch st {
		case SlotTypeCount, SlotTypeBytes:
			out[k] = v.Truncate(0)
		case SlotTypeRatio:
			out[k] = v.Round(ratioPrecision)
		default:
			return nil, fmt.Errorf("slot %s: unhandled slot type %q", k, st)
		}
	}
	return out, nil
}

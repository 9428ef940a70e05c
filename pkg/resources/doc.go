/*
Package resources defines the typed multi-dimensional resource vectors used
throughout the Sokovan scheduler.

A Slots value maps slot names (cpu, mem, cuda.device, cuda.shares, ...) to
exact decimal quantities. Comparison is partial and component-wise: a <= b
holds iff every dimension of a is at most the matching dimension of b,
treating absent dimensions as zero. Subtraction is checked and fails with
InsufficientResourceError the moment any dimension would go negative, which
is the primitive every reservation in the registry is built on.

Slot names are validated against a SlotTypeRegistry before a request enters
the scheduler. The slot type decides canonicalization: device counts are
integers, memory is an exact byte count parsed from human units ("1g",
"512m"), and accelerator shares are ratios kept at two-decimal precision.

Serialization is canonical JSON (sorted keys, string decimals) so that
persisted slot sets compare bytewise.
*/
package resources

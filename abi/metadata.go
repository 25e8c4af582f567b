package abi

import (
	"github.com/pkg/errors"
)

// Filter argument record layout:
//
//	offset size field
//	     0    8 name token
//	     8    4 argument kind
//	    12    4 dimensions (zero for scalars)
//	    16    4 type code
//	    20    4 type bit width
//	    24    8 default value token (0 = absent)
//	    32    8 minimum value token (0 = absent)
//	    40    8 maximum value token (0 = absent)
//
// Filter metadata header layout:
//
//	offset size field
//	     0    8 target string token
//	     8    8 arguments array token
//	    16    4 argument count (always >= 1)
const (
	FilterArgumentSize = 48
	FilterMetadataSize = 20

	filterArgNameOffset     = 0
	filterArgKindOffset     = 8
	filterArgDimsOffset     = 12
	filterArgTypeCodeOffset = 16
	filterArgTypeBitsOffset = 20
	filterArgDefOffset      = 24
	filterArgMinOffset      = 32
	filterArgMaxOffset      = 40

	filterMetaTargetOffset = 0
	filterMetaArgsOffset   = 8
	filterMetaCountOffset  = 16
)

// FilterArgument describes one input or output of a compiled filter.
// Def/Min/Max are optional and must be nil for buffer arguments.
type FilterArgument struct {
	Name       string
	Kind       ArgumentKind
	Dimensions int32 // always zero for scalar arguments
	TypeCode   TypeCode
	TypeBits   int32 // one of 1, 8, 16, 32, 64

	Def *ScalarValue
	Min *ScalarValue
	Max *ScalarValue
}

// FilterMetadata describes a compiled filter: the target it was built for
// and its arguments. Argument order is arbitrary but names are unique.
type FilterMetadata struct {
	Target    string
	Arguments []FilterArgument
}

// Validate checks the structural invariants of the metadata block.
func (md *FilterMetadata) Validate() error {
	if len(md.Arguments) < 1 {
		return errors.New("abi: filter metadata must carry at least one argument")
	}
	seen := make(map[string]bool, len(md.Arguments))
	for i := range md.Arguments {
		arg := &md.Arguments[i]
		if arg.Name == "" {
			return errors.Errorf("abi: filter argument %d has an empty name", i)
		}
		if seen[arg.Name] {
			return errors.Errorf("abi: duplicate filter argument name %q", arg.Name)
		}
		seen[arg.Name] = true
		switch arg.Kind {
		case ArgumentInputScalar:
			if arg.Dimensions != 0 {
				return errors.Errorf("abi: scalar argument %q has %d dimensions", arg.Name, arg.Dimensions)
			}
		case ArgumentInputBuffer, ArgumentOutputBuffer:
			if arg.Def != nil || arg.Min != nil || arg.Max != nil {
				return errors.Errorf("abi: buffer argument %q carries scalar def/min/max values", arg.Name)
			}
		default:
			return errors.Errorf("abi: filter argument %q has invalid kind %d", arg.Name, arg.Kind)
		}
	}
	return nil
}

// EncodeFilterMetadata serializes md into a single self-contained block:
// header, argument records, then scalar values and strings. All tokens are
// byte offsets inside the block (0 means absent -- offset 0 is the header,
// never a payload).
func EncodeFilterMetadata(md *FilterMetadata) ([]byte, error) {
	if err := md.Validate(); err != nil {
		return nil, err
	}
	n := len(md.Arguments)
	blob := make([]byte, FilterMetadataSize+n*FilterArgumentSize)

	appendScalar := func(s *ScalarValue) uint64 {
		if s == nil {
			return 0
		}
		off := uint64(len(blob))
		blob = append(blob, s[:]...)
		return off
	}
	appendString := func(s string) uint64 {
		off := uint64(len(blob))
		blob = append(blob, s...)
		blob = append(blob, 0) // NUL terminator
		return off
	}

	for i := range md.Arguments {
		arg := &md.Arguments[i]
		rec := blob[FilterMetadataSize+i*FilterArgumentSize:]
		put32(rec, filterArgKindOffset, int32(arg.Kind))
		put32(rec, filterArgDimsOffset, arg.Dimensions)
		put32(rec, filterArgTypeCodeOffset, int32(arg.TypeCode))
		put32(rec, filterArgTypeBitsOffset, arg.TypeBits)
	}

	// Variable payloads go after the fixed records, so their offsets are
	// only known now; patch the tokens in a second pass.
	put64(blob, filterMetaArgsOffset, uint64(FilterMetadataSize))
	put32(blob, filterMetaCountOffset, int32(n))
	targetOff := appendString(md.Target)
	put64(blob, filterMetaTargetOffset, targetOff)
	for i := range md.Arguments {
		arg := &md.Arguments[i]
		base := FilterMetadataSize + i*FilterArgumentSize
		// Appends may reallocate blob, so compute each token before patching.
		nameOff := appendString(arg.Name)
		defOff := appendScalar(arg.Def)
		minOff := appendScalar(arg.Min)
		maxOff := appendScalar(arg.Max)
		put64(blob, base+filterArgNameOffset, nameOff)
		put64(blob, base+filterArgDefOffset, defOff)
		put64(blob, base+filterArgMinOffset, minOff)
		put64(blob, base+filterArgMaxOffset, maxOff)
	}
	return blob, nil
}

// DecodeFilterMetadata parses a block produced by EncodeFilterMetadata.
func DecodeFilterMetadata(blob []byte) (*FilterMetadata, error) {
	if len(blob) < FilterMetadataSize {
		return nil, errors.Errorf("abi: filter metadata requires at least %d bytes, got %d", FilterMetadataSize, len(blob))
	}
	readString := func(off uint64) (string, error) {
		if off == 0 || off >= uint64(len(blob)) {
			return "", errors.Errorf("abi: string token %d out of range", off)
		}
		end := off
		for end < uint64(len(blob)) && blob[end] != 0 {
			end++
		}
		if end == uint64(len(blob)) {
			return "", errors.Errorf("abi: unterminated string at offset %d", off)
		}
		return string(blob[off:end]), nil
	}
	readScalar := func(off uint64) (*ScalarValue, error) {
		if off == 0 {
			return nil, nil
		}
		if off+8 > uint64(len(blob)) {
			return nil, errors.Errorf("abi: scalar token %d out of range", off)
		}
		var s ScalarValue
		copy(s[:], blob[off:off+8])
		return &s, nil
	}

	md := &FilterMetadata{}
	var err error
	if md.Target, err = readString(get64(blob, filterMetaTargetOffset)); err != nil {
		return nil, err
	}
	n := int(get32(blob, filterMetaCountOffset))
	argsOff := get64(blob, filterMetaArgsOffset)
	if n < 1 || argsOff+uint64(n*FilterArgumentSize) > uint64(len(blob)) {
		return nil, errors.Errorf("abi: filter metadata argument table out of range (count=%d, offset=%d)", n, argsOff)
	}
	md.Arguments = make([]FilterArgument, n)
	for i := 0; i < n; i++ {
		rec := blob[argsOff+uint64(i*FilterArgumentSize):]
		arg := &md.Arguments[i]
		if arg.Name, err = readString(get64(rec, filterArgNameOffset)); err != nil {
			return nil, err
		}
		arg.Kind = ArgumentKind(get32(rec, filterArgKindOffset))
		arg.Dimensions = get32(rec, filterArgDimsOffset)
		arg.TypeCode = TypeCode(get32(rec, filterArgTypeCodeOffset))
		arg.TypeBits = get32(rec, filterArgTypeBitsOffset)
		if arg.Def, err = readScalar(get64(rec, filterArgDefOffset)); err != nil {
			return nil, err
		}
		if arg.Min, err = readScalar(get64(rec, filterArgMinOffset)); err != nil {
			return nil, err
		}
		if arg.Max, err = readScalar(get64(rec, filterArgMaxOffset)); err != nil {
			return nil, err
		}
	}
	if err = md.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}

package dtypes

// DType is an enum of the data types a tensor element may have.
//
// The numeric values below are written into serialized weight blobs
// (see pkg/ml/model/encoding), so they must never be renumbered.
// New dtypes must be appended with fresh values.
type DType int32

const (
	// InvalidDType is the zero value of DType and marks an uninitialized or unsupported type.
	InvalidDType DType = 0

	// Bool is a two-state boolean, stored as one byte.
	Bool DType = 1

	// Int8 is a signed 8-bit integer.
	Int8 DType = 2

	// Int16 is a signed 16-bit integer.
	Int16 DType = 3

	// Int32 is a signed 32-bit integer.
	Int32 DType = 4

	// Int64 is a signed 64-bit integer.
	Int64 DType = 5

	// Uint8 is an unsigned 8-bit integer.
	Uint8 DType = 6

	// Uint16 is an unsigned 16-bit integer.
	Uint16 DType = 7

	// Uint32 is an unsigned 32-bit integer.
	Uint32 DType = 8

	// Uint64 is an unsigned 64-bit integer.
	Uint64 DType = 9

	// Float16 is the IEEE 754 half-precision format (1 sign, 5 exponent, 10 mantissa bits),
	// implemented by github.com/x448/float16.
	Float16 DType = 10

	// Float32 is the IEEE 754 single-precision format.
	Float32 DType = 11

	// Float64 is the IEEE 754 double-precision format.
	Float64 DType = 12

	// BFloat16 is the "brain float" format: a float32 with the lower 16 mantissa bits dropped
	// (1 sign, 8 exponent, 7 mantissa bits). See the bfloat16 subpackage.
	BFloat16 DType = 13

	// Complex64 is a pair of float32 (real, imaginary).
	Complex64 DType = 14

	// Complex128 is a pair of float64 (real, imaginary).
	Complex128 DType = 15
)

//go:generate go tool enumer -type DType -output=gen_dtype_enumer.go dtype_enum.go

// Short aliases, common in ML code and accepted by serialized configs.
const (
	F16  = Float16
	F32  = Float32
	F64  = Float64
	BF16 = BFloat16
	C64  = Complex64
	C128 = Complex128
)

// MapOfNames maps names and common aliases to their DType.
// The package init adds lower-case versions of every key.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Bool":         Bool,
	"Int8":         Int8,
	"Int16":        Int16,
	"Int32":        Int32,
	"Int64":        Int64,
	"Uint8":        Uint8,
	"Uint16":       Uint16,
	"Uint32":       Uint32,
	"Uint64":       Uint64,
	"Float16":      Float16,
	"F16":          Float16,
	"Float32":      Float32,
	"F32":          Float32,
	"Float64":      Float64,
	"F64":          Float64,
	"BFloat16":     BFloat16,
	"BF16":         BFloat16,
	"Complex64":    Complex64,
	"C64":          Complex64,
	"Complex128":   Complex128,
	"C128":         Complex128,
}

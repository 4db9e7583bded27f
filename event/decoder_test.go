package event

import (
	"encoding/binary"
	"testing"

	"github.com/microsoft/one-collect-sub000/onecollecterrors"
	"github.com/stretchr/testify/require"
)

// TestScenarioS3 mirrors spec section 8 scenario S3.
func TestScenarioS3(t *testing.T) {
	s := NewSchema(1, "rel")
	ref := s.AddField(Field{Name: "x", Location: DynRelative, Offset: 0})

	buf := make([]byte, 12)
	locator := uint32(4)<<16 | uint32(4) // len=4, off=4
	binary.LittleEndian.PutUint32(buf[0:], locator)
	// 4 pad bytes at [4:8], 4 payload bytes at [8:12]
	copy(buf[8:12], []byte{0xAA, 0xBB, 0xCC, 0xDD})

	got := s.Data(ref, buf)
	require.Equal(t, buf[8:12], got)
}

// TestScenarioS4 mirrors spec section 8 scenario S4.
func TestScenarioS4(t *testing.T) {
	s := NewSchema(1, "static")
	f1 := s.AddField(Field{Name: "1", TypeName: "u8", Location: Static, Offset: 0, Size: 1})
	f2 := s.AddField(Field{Name: "2", TypeName: "u32", Location: Static, Offset: 1, Size: 4})
	f3 := s.AddField(Field{Name: "3", TypeName: "u64", Location: Static, Offset: 5, Size: 8})

	buf := []byte{0x31}
	buf = binary.LittleEndian.AppendUint32(buf, 2)
	buf = binary.LittleEndian.AppendUint64(buf, 3)

	v2, err := s.GetU32(f2, buf)
	require.NoError(t, err)
	require.Equal(t, uint32(2), v2)

	v3, err := s.GetU64(f3, buf)
	require.NoError(t, err)
	require.Equal(t, uint64(3), v3)

	v1 := s.Data(f1, buf)
	require.Equal(t, []byte{0x31}, v1)
}

// TestScenarioS5 mirrors spec section 8 scenario S5 (mixed dynamic
// closures): a leading cstring, a static field directly after it, and a
// utf16 field after that.
func TestScenarioS5(t *testing.T) {
	s := NewSchema(1, "mixed")
	s.AddField(Field{Name: "1", TypeName: "cstring", Location: StaticCString, Offset: 0})
	s.AddField(Field{Name: "2", TypeName: "u64", Location: Static, Offset: 0, Size: 8})
	s.AddField(Field{Name: "3", TypeName: "utf16", Location: StaticUTF16NulString, Offset: 0})

	var buf []byte
	buf = append(buf, []byte("test\x00")...)
	buf = binary.LittleEndian.AppendUint64(buf, 123456789)
	buf = append(buf, []byte{'t', 0, 'e', 0, 's', 0, 't', 0, 0, 0}...)

	c1, ok := s.DataClosure("1")
	require.True(t, ok)
	require.Equal(t, []byte("test"), c1(buf))

	c2, ok := s.DataClosure("2")
	require.True(t, ok)
	want2 := make([]byte, 8)
	binary.LittleEndian.PutUint64(want2, 123456789)
	require.Equal(t, want2, c2(buf))

	c3, ok := s.DataClosure("3")
	require.True(t, ok)
	require.Equal(t, []byte{'t', 0, 'e', 0, 's', 0, 't', 0}, c3(buf))
}

// TestPropertyP6 mirrors spec section 8 property P6.
func TestPropertyP6(t *testing.T) {
	s := NewSchema(1, "p6")
	ref := s.AddField(Field{Name: "k", Location: Static, Offset: 2, Size: 8})

	long := make([]byte, 10)
	binary.LittleEndian.PutUint64(long[2:], 0xdeadbeefcafebabe)
	v, err := s.GetU64(ref, long)
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeefcafebabe), v)

	short := make([]byte, 9)
	_, err = s.GetU64(ref, short)
	require.Error(t, err)
	require.True(t, onecollecterrors.Is(err, onecollecterrors.KindDecodeError))
}

func TestCallbackDispatchCollectsErrors(t *testing.T) {
	s := NewSchema(7, "evt")
	cbs := NewCallbackSet()

	var order []int
	cbs.Register(7, func(d Data) error {
		order = append(order, 1)
		return DecodeError("first callback failed")
	})
	cbs.Register(7, func(d Data) error {
		order = append(order, 2)
		return nil
	})

	var errs []error
	errs = cbs.Dispatch(Data{Schema: s}, errs)

	require.Equal(t, []int{1, 2}, order, "callbacks must fire in registration order")
	require.Len(t, errs, 1)
}

func TestFieldRefByName(t *testing.T) {
	s := NewSchema(1, "s")
	s.AddField(Field{Name: "a"})
	s.AddField(Field{Name: "b"})

	ref, ok := s.FieldRefByName("b")
	require.True(t, ok)
	require.Equal(t, "b", s.Field(ref).Name)

	_, ok = s.FieldRefByName("missing")
	require.False(t, ok)
}

package tracefs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatArgsCommaSeparated(t *testing.T) {
	got := FormatArgs([]FieldSpec{
		{Field: "size", Reg: "dx", Type: "u64"},
		{Field: "ptr", Reg: "ax", Type: "u64"},
	})
	require.Equal(t, "size=%dx:u64,ptr=%ax:u64", got)
}

func TestFormatArgsEmpty(t *testing.T) {
	require.Equal(t, "", FormatArgs(nil))
}

func TestNewEventHeaderDescFormatsCanonicalFields(t *testing.T) {
	d := NewEventHeaderDesc("my_event")
	require.Equal(t, "my_event u8 eventheader_flags u8 version u16 id u16 tag u8 opcode u8 level", d.String())
}

func TestNewRawUserEventDesc(t *testing.T) {
	d := NewRawUserEventDesc("test_event", "u32 num")
	require.Equal(t, "test_event", d.Name)
	require.Equal(t, "test_event u32 num", d.String())
}

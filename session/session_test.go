package session

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/microsoft/one-collect-sub000/event"
	"github.com/microsoft/one-collect-sub000/perfabi"
	"github.com/microsoft/one-collect-sub000/perfmerge"
	"github.com/microsoft/one-collect-sub000/perfring"
	"github.com/stretchr/testify/require"
)

const testMetaPageSize = 1024 + 32
const testDataSize = 4096

func newRing(t *testing.T) (*perfring.Ring, []byte) {
	t.Helper()
	mapped := make([]byte, testMetaPageSize+testDataSize)
	binary.LittleEndian.PutUint64(mapped[1024+16:], testMetaPageSize)
	binary.LittleEndian.PutUint64(mapped[1024+24:], testDataSize)
	r, err := perfring.New(mapped)
	require.NoError(t, err)
	return r, mapped
}

func publish(mapped []byte, head uint64) {
	binary.LittleEndian.PutUint64(mapped[1024+0:], head)
	binary.LittleEndian.PutUint64(mapped[1024+8:], 0)
}

func putHeader(data []byte, pos int, rt perfabi.RecordType, size uint16) {
	binary.LittleEndian.PutUint32(data[pos:], uint32(rt))
	binary.LittleEndian.PutUint16(data[pos+4:], 0)
	binary.LittleEndian.PutUint16(data[pos+6:], size)
}

func TestLoopDispatchesRawSample(t *testing.T) {
	r, mapped := newRing(t)
	data := mapped[testMetaPageSize:]

	// header(8) + ip(8) + tid(8) + time(8) + raw_size(4) + raw(4) = 40
	putHeader(data, 0, perfabi.RecordTypeSample, 40)
	binary.LittleEndian.PutUint64(data[8:], 0xcafe) // ip
	binary.LittleEndian.PutUint64(data[16:], 123)   // tid
	binary.LittleEndian.PutUint64(data[24:], 999)   // time
	binary.LittleEndian.PutUint32(data[32:], 4)     // raw size: 2-byte id + 2-byte payload
	binary.LittleEndian.PutUint16(data[36:], 7)     // raw event id
	copy(data[38:], []byte("hi"))                   // raw payload
	publish(mapped, 40)

	format := perfabi.SampleFormatIP | perfabi.SampleFormatTID | perfabi.SampleFormatTime | perfabi.SampleFormatRaw
	src := perfmerge.NewSource(0, r, format, false)
	m := perfmerge.New([]perfmerge.Source{src})

	l := New(m, format, 0)
	rawSchema := event.NewSchema(1, "test.raw")
	l.RegisterRawEvent(7, rawSchema)

	var gotPayload []byte
	var gotCPU int
	l.Callbacks().Register(rawSchema.ID, func(d event.Data) error {
		gotPayload = append([]byte(nil), d.Payload...)
		gotCPU = l.Ancillary().CPU
		return nil
	})

	stopped := false
	errs := l.Run(context.Background(), func() bool { stopped = true; return true })
	_ = stopped
	require.Empty(t, errs)
	require.Equal(t, []byte("hi"), gotPayload)
	require.Equal(t, 0, gotCPU)
}

func TestLoopDispatchesBuiltinSampleWhenRawAbsent(t *testing.T) {
	r, mapped := newRing(t)
	data := mapped[testMetaPageSize:]

	// header(8) + ip(8) + time(8) = 24
	putHeader(data, 0, perfabi.RecordTypeSample, 24)
	binary.LittleEndian.PutUint64(data[8:], 0xbeef)
	binary.LittleEndian.PutUint64(data[16:], 55)
	publish(mapped, 24)

	format := perfabi.SampleFormatIP | perfabi.SampleFormatTime
	src := perfmerge.NewSource(0, r, format, false)
	m := perfmerge.New([]perfmerge.Source{src})

	l := New(m, format, 0)
	builtin := event.NewSchema(2, "builtin.sample")
	l.SetBuiltinSample(builtin)

	fired := false
	l.Callbacks().Register(builtin.ID, func(d event.Data) error {
		fired = true
		ip := l.Ancillary().Fields.Span(AttrIP)
		require.Equal(t, uint64(0xbeef), binary.LittleEndian.Uint64(ip))
		return nil
	})

	errs := l.Run(context.Background(), func() bool { return true })
	require.Empty(t, errs)
	require.True(t, fired)
}

func TestLoopDispatchesFixedCommEvent(t *testing.T) {
	r, mapped := newRing(t)
	data := mapped[testMetaPageSize:]

	// header(8) + pid(4) + tid(4) + comm(8, padded) = 24
	putHeader(data, 0, perfabi.RecordTypeComm, 24)
	binary.LittleEndian.PutUint32(data[8:], 100)
	binary.LittleEndian.PutUint32(data[12:], 100)
	copy(data[16:], []byte("init\x00\x00\x00\x00"))
	publish(mapped, 24)

	format := perfabi.SampleFormatIP
	src := perfmerge.NewSource(0, r, format, false)
	m := perfmerge.New([]perfmerge.Source{src})

	l := New(m, format, 0)
	commSchema := event.NewSchema(3, "comm")
	l.RegisterFixedEvent(perfabi.RecordTypeComm, commSchema)

	fired := false
	l.Callbacks().Register(commSchema.ID, func(d event.Data) error {
		fired = true
		require.Equal(t, uint32(100), binary.LittleEndian.Uint32(d.Payload[0:4]))
		return nil
	})

	errs := l.Run(context.Background(), func() bool { return true })
	require.Empty(t, errs)
	require.True(t, fired)
}

func TestLoopCollectsCallbackErrorsWithoutAborting(t *testing.T) {
	r, mapped := newRing(t)
	data := mapped[testMetaPageSize:]

	putHeader(data, 0, perfabi.RecordTypeComm, 16)
	binary.LittleEndian.PutUint32(data[8:], 1)
	binary.LittleEndian.PutUint32(data[12:], 1)
	putHeader(data, 16, perfabi.RecordTypeComm, 16)
	binary.LittleEndian.PutUint32(data[24:], 2)
	binary.LittleEndian.PutUint32(data[28:], 2)
	publish(mapped, 32)

	src := perfmerge.NewSource(0, r, 0, false)
	m := perfmerge.New([]perfmerge.Source{src})

	l := New(m, 0, 0)
	commSchema := event.NewSchema(3, "comm")
	l.RegisterFixedEvent(perfabi.RecordTypeComm, commSchema)

	calls := 0
	l.Callbacks().Register(commSchema.ID, func(d event.Data) error {
		calls++
		return errors.New("callback failed")
	})

	errs := l.Run(context.Background(), func() bool { return true })
	require.Len(t, errs, 2)
	require.Equal(t, 2, calls)
}

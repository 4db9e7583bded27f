//go:build linux

package tracefs

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/microsoft/one-collect-sub000/onecollecterrors"
)

const uprobeEventsPath = "/sys/kernel/debug/tracing/uprobe_events"
const eventIDPathFmt = "/sys/kernel/debug/tracing/events/%s/%s/id"

// RegisterUprobe registers a uprobe at modulePath+offset under (group,
// name), with argument fields rendered per FormatArgs, per spec section
// 6's "Tracefs uprobe surface". The returned Event's ID is read back from
// tracefs's per-event id file.
func RegisterUprobe(group, name, modulePath string, offset uint64, fields []FieldSpec) (Event, error) {
	line := fmt.Sprintf("p:%s/%s %s:%#x %s\n", group, name, modulePath, offset, FormatArgs(fields))
	if err := appendLine(line); err != nil {
		return Event{}, err
	}

	id, err := readEventID(group, name)
	if err != nil {
		return Event{}, err
	}
	return Event{ID: id, Group: group, Name: name}, nil
}

// Unregister removes a previously registered uprobe by (group, name).
func Unregister(group, name string) error {
	return appendLine(fmt.Sprintf("-:%s/%s\n", group, name))
}

func appendLine(line string) error {
	f, err := os.OpenFile(uprobeEventsPath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return onecollecterrors.Wrap(onecollecterrors.KindResourceUnavailable, err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return onecollecterrors.Wrap(onecollecterrors.KindResourceUnavailable, err)
	}
	return nil
}

func readEventID(group, name string) (uint64, error) {
	path := fmt.Sprintf(eventIDPathFmt, group, name)
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, onecollecterrors.Wrap(onecollecterrors.KindResourceUnavailable, err)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, onecollecterrors.New(onecollecterrors.KindDecodeError, "tracefs: bad event id %q: %v", b, err)
	}
	return id, nil
}

// Package snapshot implements the snapshot pipeline: the log gleaner and
// its mappers and reducers, snapshot file writing and reading, the
// manifest of completed snapshots, and the snapshot manager daemon.
package snapshot

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// EmulationOptions emulates a slower data device; experiments only.
type EmulationOptions struct {
	NullDevice                bool
	EmulatedSeekLatencyCycles uint32
	EmulatedScanLatencyCycles uint32
}

// Options configures the snapshot subsystem. The values serialize to an
// XML tree with one element per option; the saved file carries a comment
// describing each option's semantics.
type Options struct {
	// FolderPathPattern is the path of the per-node snapshot folders;
	// the placeholder $NODE$ is replaced with the node number.
	FolderPathPattern string

	// SnapshotTriggerPagePoolPercent forces a snapshot cycle when the
	// free page pool share falls under this percentage.
	SnapshotTriggerPagePoolPercent uint32

	// SnapshotIntervalMilliseconds is the time-based snapshot trigger.
	SnapshotIntervalMilliseconds uint32

	// LogMapperBucketKb is the per-partition bucket size in the mapper.
	LogMapperBucketKb uint32

	// LogMapperIoBufferKb is the mapper's log file read buffer size.
	LogMapperIoBufferKb uint32

	// LogReducerBufferMb is the reducer's in-memory sort arena size.
	LogReducerBufferMb uint32

	// SnapshotPauseBudgetMs bounds the transaction pause during snapshot
	// installation; pointer swings always finish, volatile drops stop at
	// the budget.
	SnapshotPauseBudgetMs uint32

	Emulation EmulationOptions
}

const (
	DefaultSnapshotTriggerPagePoolPercent = 100
	DefaultSnapshotIntervalMilliseconds   = 60000
	DefaultLogMapperBucketKb              = 1024
	DefaultLogMapperIoBufferKb            = 2048
	DefaultLogReducerBufferMb             = 64
	DefaultSnapshotPauseBudgetMs          = 100
)

func DefaultOptions() Options {
	return Options{
		FolderPathPattern:              "snapshots/node_$NODE$",
		SnapshotTriggerPagePoolPercent: DefaultSnapshotTriggerPagePoolPercent,
		SnapshotIntervalMilliseconds:   DefaultSnapshotIntervalMilliseconds,
		LogMapperBucketKb:              DefaultLogMapperBucketKb,
		LogMapperIoBufferKb:            DefaultLogMapperIoBufferKb,
		LogReducerBufferMb:             DefaultLogReducerBufferMb,
		SnapshotPauseBudgetMs:          DefaultSnapshotPauseBudgetMs,
	}
}

// ConvertFolderPathPattern resolves the folder for one node.
func (opts *Options) ConvertFolderPathPattern(node int) string {
	return strings.ReplaceAll(opts.FolderPathPattern, "$NODE$", strconv.Itoa(node))
}

type optionComment struct {
	name    string
	comment string
}

var optionComments = []optionComment{
	{"FolderPathPattern",
		"String pattern of path of snapshot folders in each NUMA node.\n" +
			"This specifies the path of the folders to contain snapshot files in each" +
			" NUMA node.\nA special placeholder $NODE$ will be replaced with the NUMA" +
			" node number.\nFor example, /data/node_$NODE$ becomes /data/node_1 on node-1."},
	{"SnapshotTriggerPagePoolPercent",
		"When the main page pool runs under this percent (roughly calculated) of" +
			" free pages,\nsnapshot manager starts snapshotting to drop volatile pages" +
			" even before the interval."},
	{"SnapshotIntervalMilliseconds",
		"Interval in milliseconds to take snapshots."},
	{"LogMapperBucketKb",
		"Size in KB of bucket (buffer for each partition) in mapper.\nThe larger," +
			" the less frequently each mapper communicates with reducers.\n1024 (1MB)" +
			" should be a good number."},
	{"LogMapperIoBufferKb",
		"Size in KB of IO buffer to read log files in mapper.\n1024 (1MB) should" +
			" be a good number."},
	{"LogReducerBufferMb",
		"The size in MB of a buffer to store log entries in reducer (partition)."},
	{"SnapshotPauseBudgetMs",
		"Target milliseconds for the transaction pause while snapshot pointers are" +
			" installed.\nPointer swings always complete; volatile-page drops are" +
			" best-effort within the budget."},
}

var emulationComments = []optionComment{
	{"NullDevice", "[Experiments-only] Discard all writes."},
	{"EmulatedSeekLatencyCycles", "[Experiments-only] Emulated latency per seek."},
	{"EmulatedScanLatencyCycles", "[Experiments-only] Emulated latency per KB scanned."},
}

func (opts *Options) value(name string) string {
	switch name {
	case "FolderPathPattern":
		return opts.FolderPathPattern
	case "SnapshotTriggerPagePoolPercent":
		return strconv.FormatUint(uint64(opts.SnapshotTriggerPagePoolPercent), 10)
	case "SnapshotIntervalMilliseconds":
		return strconv.FormatUint(uint64(opts.SnapshotIntervalMilliseconds), 10)
	case "LogMapperBucketKb":
		return strconv.FormatUint(uint64(opts.LogMapperBucketKb), 10)
	case "LogMapperIoBufferKb":
		return strconv.FormatUint(uint64(opts.LogMapperIoBufferKb), 10)
	case "LogReducerBufferMb":
		return strconv.FormatUint(uint64(opts.LogReducerBufferMb), 10)
	case "SnapshotPauseBudgetMs":
		return strconv.FormatUint(uint64(opts.SnapshotPauseBudgetMs), 10)
	}
	return ""
}

func (opts *Options) setValue(name, value string) error {
	parse := func() (uint32, error) {
		u, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
		return uint32(u), err
	}
	var err error
	var u uint32
	switch name {
	case "FolderPathPattern":
		opts.FolderPathPattern = strings.TrimSpace(value)
		return nil
	case "SnapshotTriggerPagePoolPercent":
		u, err = parse()
		opts.SnapshotTriggerPagePoolPercent = u
	case "SnapshotIntervalMilliseconds":
		u, err = parse()
		opts.SnapshotIntervalMilliseconds = u
	case "LogMapperBucketKb":
		u, err = parse()
		opts.LogMapperBucketKb = u
	case "LogMapperIoBufferKb":
		u, err = parse()
		opts.LogMapperIoBufferKb = u
	case "LogReducerBufferMb":
		u, err = parse()
		opts.LogReducerBufferMb = u
	case "SnapshotPauseBudgetMs":
		u, err = parse()
		opts.SnapshotPauseBudgetMs = u
	default:
		return fmt.Errorf("snapshot: unknown option %s", name)
	}
	if err != nil {
		return fmt.Errorf("snapshot: option %s: %s", name, err)
	}
	return nil
}

func (emu *EmulationOptions) value(name string) string {
	switch name {
	case "NullDevice":
		return strconv.FormatBool(emu.NullDevice)
	case "EmulatedSeekLatencyCycles":
		return strconv.FormatUint(uint64(emu.EmulatedSeekLatencyCycles), 10)
	case "EmulatedScanLatencyCycles":
		return strconv.FormatUint(uint64(emu.EmulatedScanLatencyCycles), 10)
	}
	return ""
}

func (emu *EmulationOptions) setValue(name, value string) error {
	value = strings.TrimSpace(value)
	switch name {
	case "NullDevice":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("snapshot: emulation option %s: %s", name, err)
		}
		emu.NullDevice = b
	case "EmulatedSeekLatencyCycles", "EmulatedScanLatencyCycles":
		u, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("snapshot: emulation option %s: %s", name, err)
		}
		if name == "EmulatedSeekLatencyCycles" {
			emu.EmulatedSeekLatencyCycles = uint32(u)
		} else {
			emu.EmulatedScanLatencyCycles = uint32(u)
		}
	default:
		return fmt.Errorf("snapshot: unknown emulation option %s", name)
	}
	return nil
}

func writeElement(enc *xml.Encoder, name, comment, value string) error {
	err := enc.EncodeToken(xml.Comment(" " + comment + " "))
	if err != nil {
		return err
	}
	start := xml.StartElement{Name: xml.Name{Local: name}}
	err = enc.EncodeToken(start)
	if err != nil {
		return err
	}
	err = enc.EncodeToken(xml.CharData(value))
	if err != nil {
		return err
	}
	return enc.EncodeToken(start.End())
}

// Save writes the options as an XML tree, comments included.
func (opts *Options) Save(w io.Writer) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "    ")

	root := xml.StartElement{Name: xml.Name{Local: "SnapshotOptions"}}
	err := enc.EncodeToken(xml.Comment(" Set of options for snapshot manager "))
	if err != nil {
		return err
	}
	err = enc.EncodeToken(root)
	if err != nil {
		return err
	}
	for _, oc := range optionComments {
		err = writeElement(enc, oc.name, oc.comment, opts.value(oc.name))
		if err != nil {
			return err
		}
	}

	err = enc.EncodeToken(xml.Comment(" [Experiments-only] Settings to emulate slower data device "))
	if err != nil {
		return err
	}
	emu := xml.StartElement{Name: xml.Name{Local: "SnapshotDeviceEmulationOptions"}}
	err = enc.EncodeToken(emu)
	if err != nil {
		return err
	}
	for _, oc := range emulationComments {
		err = writeElement(enc, oc.name, oc.comment, opts.Emulation.value(oc.name))
		if err != nil {
			return err
		}
	}
	err = enc.EncodeToken(emu.End())
	if err != nil {
		return err
	}
	err = enc.EncodeToken(root.End())
	if err != nil {
		return err
	}
	return enc.Flush()
}

// Load reads options saved by Save; unrecognized elements are an error,
// comments are ignored.
func (opts *Options) Load(r io.Reader) error {
	dec := xml.NewDecoder(r)
	var path []string
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("snapshot: loading options: %s", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			path = append(path, t.Name.Local)
			text.Reset()
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(path) == 0 {
				return fmt.Errorf("snapshot: malformed options XML")
			}
			name := path[len(path)-1]
			path = path[:len(path)-1]
			switch len(path) {
			case 0:
				// closed SnapshotOptions
			case 1:
				if name == "SnapshotDeviceEmulationOptions" {
					break
				}
				err = opts.setValue(name, text.String())
				if err != nil {
					return err
				}
			case 2:
				err = opts.Emulation.setValue(name, text.String())
				if err != nil {
					return err
				}
			}
			text.Reset()
		}
	}
}

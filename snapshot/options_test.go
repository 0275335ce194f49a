package snapshot_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/andreyvit/diff"

	"github.com/gleandb/glean/snapshot"
)

func TestOptionsRoundTrip(t *testing.T) {
	opts := snapshot.DefaultOptions()
	opts.FolderPathPattern = "/data/node_$NODE$"
	opts.SnapshotTriggerPagePoolPercent = 42
	opts.SnapshotIntervalMilliseconds = 1234
	opts.LogMapperBucketKb = 512
	opts.LogMapperIoBufferKb = 4096
	opts.LogReducerBufferMb = 128
	opts.SnapshotPauseBudgetMs = 77
	opts.Emulation.NullDevice = true
	opts.Emulation.EmulatedSeekLatencyCycles = 10
	opts.Emulation.EmulatedScanLatencyCycles = 20

	var buf bytes.Buffer
	err := opts.Save(&buf)
	if err != nil {
		t.Fatal(err)
	}
	saved := buf.String()
	if !strings.Contains(saved, "<!--") {
		t.Error("saved XML carries no comments")
	}
	if !strings.Contains(saved, "SnapshotDeviceEmulationOptions") {
		t.Error("saved XML missing emulation child element")
	}

	var loaded snapshot.Options
	err = loaded.Load(strings.NewReader(saved))
	if err != nil {
		t.Fatal(err)
	}
	if loaded != opts {
		t.Fatal("loaded options differ from saved options")
	}

	// Saving the loaded options reproduces the document exactly.
	var buf2 bytes.Buffer
	err = loaded.Save(&buf2)
	if err != nil {
		t.Fatal(err)
	}
	if buf2.String() != saved {
		t.Fatalf("re-saved XML differs:\n%s", diff.LineDiff(saved, buf2.String()))
	}
}

func TestConvertFolderPathPattern(t *testing.T) {
	opts := snapshot.DefaultOptions()
	opts.FolderPathPattern = "/data/node_$NODE$"
	if got := opts.ConvertFolderPathPattern(3); got != "/data/node_3" {
		t.Fatalf("ConvertFolderPathPattern(3) got %q want %q", got, "/data/node_3")
	}

	opts.FolderPathPattern = "flat"
	if got := opts.ConvertFolderPathPattern(7); got != "flat" {
		t.Fatalf("pattern without placeholder got %q want %q", got, "flat")
	}
}

func TestOptionsLoadRejectsUnknown(t *testing.T) {
	doc := "<SnapshotOptions><NoSuchOption>1</NoSuchOption></SnapshotOptions>"
	var opts snapshot.Options
	err := opts.Load(strings.NewReader(doc))
	if err == nil {
		t.Fatal("unknown option did not fail")
	}
}

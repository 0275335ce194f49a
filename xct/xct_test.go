package xct

import (
	"testing"

	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/storage/page"
)

func testXct() *Xct {
	return NewXct(0, 64, 64, 1<<16)
}

func TestActivateResetsState(t *testing.T) {
	x := testXct()
	if code := x.Activate(Serializable); code != errcode.Ok {
		t.Fatal(code)
	}
	if code := x.Activate(Serializable); code != errcode.XctAlreadyActive {
		t.Fatalf("double activate got %s", code)
	}

	var owner RwLockableXctId
	_, code := x.AddToReadSet(1, &owner, MakeXctId(1, 1))
	if code != errcode.Ok {
		t.Fatal(code)
	}
	if _, code = x.LocalWork().Allocate(128); code != errcode.Ok {
		t.Fatal(code)
	}
	x.Deactivate()

	if code := x.Activate(Serializable); code != errcode.Ok {
		t.Fatal(code)
	}
	if len(x.ReadSet()) != 0 {
		t.Fatal("read set survived reactivation")
	}
	if x.LocalWork().Used() != 0 {
		t.Fatal("local work memory survived reactivation")
	}
	x.Deactivate()
}

func TestPointerSetCapAborts(t *testing.T) {
	x := testXct()
	x.Activate(Serializable)
	defer x.Deactivate()

	pointers := make([]page.DualPagePointer, MaxPointerSets+1)
	var code errcode.ErrorCode
	for i := range pointers {
		code = x.AddToPointerSet(&pointers[i], 0)
		if code != errcode.Ok {
			break
		}
	}
	if code != errcode.XctPointerSetOverflow {
		t.Fatalf("got %s want %s", code, errcode.XctPointerSetOverflow)
	}
}

func TestPointerSetDedups(t *testing.T) {
	x := testXct()
	x.Activate(Serializable)
	defer x.Deactivate()

	var dpp page.DualPagePointer
	for i := 0; i < 10; i++ {
		if code := x.AddToPointerSet(&dpp, 0); code != errcode.Ok {
			t.Fatal(code)
		}
	}
	if len(x.PointerSet()) != 1 {
		t.Fatalf("pointer set size got %d want 1", len(x.PointerSet()))
	}

	x.OverwriteToPointerSet(&dpp, page.NewVolatilePointer(0, 7))
	if x.PointerSet()[0].Observed != page.NewVolatilePointer(0, 7) {
		t.Fatal("overwrite did not replace the observation")
	}
	if len(x.PointerSet()) != 1 {
		t.Fatal("overwrite grew the pointer set")
	}
}

func TestPageVersionSetCapAborts(t *testing.T) {
	x := testXct()
	x.Activate(Serializable)
	defer x.Deactivate()

	versions := make([]page.PageVersion, MaxPageVersionSets+1)
	var code errcode.ErrorCode
	for i := range versions {
		st, _ := versions[i].Status()
		code = x.AddToPageVersionSet(&versions[i], st)
		if code != errcode.Ok {
			break
		}
	}
	if code != errcode.XctPageVersionSetOverflow {
		t.Fatalf("got %s want %s", code, errcode.XctPageVersionSetOverflow)
	}
}

func TestWriteSetCapAborts(t *testing.T) {
	x := testXct()
	x.Activate(Serializable)
	defer x.Deactivate()

	owners := make([]RwLockableXctId, 65)
	var code errcode.ErrorCode
	for i := range owners {
		_, code = x.AddToWriteSet(WriteAccess{Owner: &owners[i]})
		if code != errcode.Ok {
			break
		}
	}
	if code != errcode.XctWriteSetOverflow {
		t.Fatalf("got %s want %s", code, errcode.XctWriteSetOverflow)
	}
}

func TestRelatedReadWriteLinks(t *testing.T) {
	x := testXct()
	x.Activate(Serializable)
	defer x.Deactivate()

	var owner RwLockableXctId
	ri, code := x.AddToReadSet(1, &owner, MakeXctId(1, 1))
	if code != errcode.Ok {
		t.Fatal(code)
	}
	wi, code := x.AddToWriteSet(WriteAccess{StorageID: 1, Owner: &owner})
	if code != errcode.Ok {
		t.Fatal(code)
	}
	x.LinkReadWrite(ri, wi)

	r := &x.ReadSet()[ri]
	w := &x.WriteSet()[wi]
	if r.RelatedWrite != wi || w.RelatedRead != ri {
		t.Fatal("related links not mutual")
	}
	if r.Owner != w.Owner {
		t.Fatal("related entries disagree on the owner address")
	}
	if got := x.FindReadSet(&owner); got != ri {
		t.Fatalf("FindReadSet got %d want %d", got, ri)
	}
}

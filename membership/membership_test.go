package membership

import (
	"testing"

	mapset "github.com/deckarep/golang-set"
)

func seedMap() *Map {
	return &Map{
		Epoch: 0,
		Fsid:  "fsid-1",
		Members: []Identity{
			{Name: "noname-0", Rank: 0, Addr: ""},
			{Name: "noname-1", Rank: 1, Addr: ""},
			{Name: "noname-2", Rank: 2, Addr: ""},
		},
	}
}

func TestRankOfAndGetInst(t *testing.T) {
	m := seedMap()
	m.SetAddr("noname-1", "10.0.0.2:6789")

	rank, ok := m.RankOf("10.0.0.2:6789")
	if !ok || rank != 1 {
		t.Fatalf("RankOf = %d, %v", rank, ok)
	}
	id, ok := m.GetInst(1)
	if !ok || id.Name != "noname-1" {
		t.Fatalf("GetInst(1) = %+v, %v", id, ok)
	}
	if _, ok := m.GetInst(99); ok {
		t.Fatalf("GetInst(99) should miss")
	}
}

func TestRenameAndIsPlaceholderName(t *testing.T) {
	m := seedMap()
	if !IsPlaceholderName("noname-0") {
		t.Fatalf("expected noname-0 to be a placeholder")
	}
	m.Rename("noname-0", "alpha")
	id, ok := m.GetByName("alpha")
	if !ok || IsPlaceholderName(id.Name) {
		t.Fatalf("rename did not take effect: %+v", id)
	}
	if m.Contains("noname-0") {
		t.Fatalf("old placeholder name should no longer be present")
	}
}

func TestSetAddrLearnsBlankEntry(t *testing.T) {
	m := seedMap()
	if !IsBlankAddr(m.Members[0].Addr) {
		t.Fatalf("seed map entries should start blank")
	}
	m.SetAddr("noname-0", "10.0.0.1:6789")
	id, _ := m.GetByName("noname-0")
	if IsBlankAddr(id.Addr) {
		t.Fatalf("SetAddr should have filled in the address")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := seedMap()
	m.SetAddr("noname-0", "10.0.0.1:6789")
	b, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.Fsid != m.Fsid || back.Size() != m.Size() {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, m)
	}
	b2, _ := back.Encode()
	if !Equal(b, b2) {
		t.Fatalf("re-encoding a decoded map should be byte-identical")
	}
}

func TestCloneIsIndependentOfOriginal(t *testing.T) {
	m := seedMap()
	clone := m.Clone()
	clone.SetAddr("noname-0", "10.0.0.9:6789")
	if id, _ := m.GetByName("noname-0"); !IsBlankAddr(id.Addr) {
		t.Fatalf("mutating a clone should not affect the original map")
	}
	if id, _ := clone.GetByName("noname-0"); IsBlankAddr(id.Addr) {
		t.Fatalf("clone should carry the mutation")
	}
}

func TestPickRandomNameExcludesAndDegeneratesToNone(t *testing.T) {
	m := seedMap()
	exclude := mapset.NewSet()
	exclude.Add("noname-0")
	exclude.Add("noname-1")

	name, ok := m.PickRandomName(exclude, func(n int) int { return 0 })
	if !ok || name != "noname-2" {
		t.Fatalf("PickRandomName = %q, %v, want noname-2", name, ok)
	}

	exclude.Add("noname-2")
	if _, ok := m.PickRandomName(exclude, func(n int) int { return 0 }); ok {
		t.Fatalf("expected no candidates once every member is excluded")
	}
}

package counter

import "testing"

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"5", "5", 0},
		{"5.1", "5", 1},
		{"5", "5.1", -1},
		{"5.2", "5.1", 1},
		{"6", "5.2", 1},
		{"5.1.0", "5.1", 0},
		{"5.0", "5", 0},
		{"5", "5.0.0", 0},
		{"5.10", "5.9", 1},
	}
	for _, c := range cases {
		if got := CompareVersions(c.a, c.b); got != c.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestSortVersionsDesc(t *testing.T) {
	got := SortVersionsDesc([]string{"5", "6", "5.1", "5.2"})
	want := []string{"6", "5.2", "5.1", "5"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestMajorRelease(t *testing.T) {
	if MajorRelease("5") != "5" {
		t.Fatal("5 should map to release 5")
	}
	if MajorRelease("5.0.2") != "5" {
		t.Fatal("5.0.2 should map to release 5")
	}
	if MajorRelease("5.1") != "5.1" {
		t.Fatal("5.1 should map to release 5.1")
	}
	if MajorRelease("5.1.2") != "5.1" {
		t.Fatal("5.1.2 should map to release 5.1")
	}
}

package util

import (
	"reflect"
	"testing"
)

func TestSplitTags(t *testing.T) {
	if got := SplitTags("  1girl   cat_ears\tsmile "); !reflect.DeepEqual(got, []string{"1girl", "cat_ears", "smile"}) {
		t.Fatalf("got %v", got)
	}
	if got := SplitTags("   "); got != nil {
		t.Fatalf("blank input should be nil, got %v", got)
	}
}

func TestJoinTagsSkipsEmpties(t *testing.T) {
	if got := JoinTags([]string{"a", "", "b"}); got != "a b" {
		t.Fatalf("got %q", got)
	}
}

func TestCountExpensiveTags(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"cat_ears 1girl", 2},
		{"cat_ears rating:g,s filetype:mp4,webm", 1},
		{"rating:g -filetype:mp4 status:active", 0},
		{"order:rank", 1}, // ordering terms still consume a slot on danbooru
		{"", 0},
	}
	for _, c := range cases {
		if got := CountExpensiveTags(c.in); got != c.want {
			t.Errorf("CountExpensiveTags(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

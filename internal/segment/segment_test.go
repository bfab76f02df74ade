package segment

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"three sentences", "第一句。第二句！第三句？", []string{"第一句。", "第二句！", "第三句？"}},
		{"semicolon", "他走了；她留下。", []string{"他走了；", "她留下。"}},
		{"trailing text", "天黑了。风很大", []string{"天黑了。", "风很大"}},
		{"whitespace trimmed", "  你好。  再见！ ", []string{"你好。", "再见！"}},
		{"blank pieces dropped", "。。 ！", []string{"。", "。", "！"}},
		{"no punctuation", "a quiet night", []string{"a quiet night"}},
		{"empty", "", nil},
		{"blank", "   \n\t", nil},
		{"ascii punctuation ignored", "Hello. World!", []string{"Hello. World!"}},
	}
	for _, tc := range cases {
		got := Split(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: Split(%q) = %q, want %q", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestSplitCountMatchesPunctuation(t *testing.T) {
	inputs := []string{
		"第一句。第二句！第三句？",
		"甲；乙；丙；丁。",
		"雨停了。 云散了！ 月亮出来了？",
	}
	for _, in := range inputs {
		punct := 0
		for _, r := range in {
			if IsTerminal(r) {
				punct++
			}
		}
		got := Split(in)
		if len(got) != punct {
			t.Fatalf("Split(%q) produced %d segments, want %d", in, len(got), punct)
		}

		var rebuilt strings.Builder
		for _, s := range got {
			rebuilt.WriteString(s)
		}
		want := strings.Join(strings.Fields(in), "")
		if rebuilt.String() != want {
			t.Fatalf("concatenated segments = %q, want %q", rebuilt.String(), want)
		}
	}
}

func TestSplitIdempotent(t *testing.T) {
	for _, sentence := range Split("第一句。第二句！第三句？尾巴") {
		again := Split(sentence)
		if len(again) != 1 || again[0] != sentence {
			t.Fatalf("Split(%q) = %q, want the sentence unchanged", sentence, again)
		}
	}
}

func TestSplitNonEmptyInputYieldsSegment(t *testing.T) {
	for _, in := range []string{"x", "。", "  y  ", "多云"} {
		if Count(in) == 0 {
			t.Fatalf("Count(%q) = 0, want at least one segment", in)
		}
	}
}

func TestTruncateCountsRunes(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"abc", 5, "abc"},
		{"abc", 2, "ab"},
		{"第一句话", 2, "第一"},
		{"第一句话", 0, ""},
		{"", 3, ""},
	}
	for _, tc := range cases {
		if got := Truncate(tc.in, tc.n); got != tc.want {
			t.Fatalf("Truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

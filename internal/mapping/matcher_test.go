package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchers(t *testing.T) {
	candidates := []string{"李四", "李四光", "张三", "欧阳修文", "王小明"}

	tests := []struct {
		name    string
		matcher Matcher
		input   string
		want    string
		wantOK  bool
	}{
		{"exact hit", ExactMatcher{}, "张三", "张三", true},
		{"exact miss", ExactMatcher{}, "张", "", false},
		{"containment prefers closest length", ContainmentMatcher{}, "李", "李四", true},
		{"containment reverse", ContainmentMatcher{}, "欧阳修文同志", "欧阳修文", true},
		{"containment empty", ContainmentMatcher{}, "", "", false},
		{"pinyin homophone", PinyinMatcher{}, "张叁", "张三", true},
		{"pinyin miss", PinyinMatcher{}, "赵六", "", false},
		{"edit distance one", EditDistanceMatcher{MaxDistance: 1}, "王晓明", "王小明", true},
		{"edit distance short name refused", EditDistanceMatcher{MaxDistance: 1}, "张山", "", false},
		{"chain falls through", ChainMatcher{ExactMatcher{}, PinyinMatcher{}}, "张叁", "张三", true},
		{"chain miss", ChainMatcher{ExactMatcher{}}, "钱七", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.matcher.Match(tt.input, candidates)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCleanName(t *testing.T) {
	tests := map[string]string{
		"李四老师":      "李四",
		"王五副教授、赵六": "王五",
		" 张　三 ":     "张三",
		"Ｊｏｈｎ":      "John",
		"陈博士;刘讲师":   "陈",
		"老师":        "",
	}
	for in, want := range tests {
		assert.Equal(t, want, CleanName(in), in)
	}
}

package sandbox

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// cjkFontCandidates lists, per OS, likely install paths for a CJK-capable
// font in priority order. Plotting/text-rendering libraries default to a
// font with no CJK glyphs, which silently renders missing-glyph boxes
// instead of an error the calling LLM could react to.
var cjkFontCandidates = map[string][]string{
	"linux": {
		"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
		"/usr/share/fonts/truetype/wqy/wqy-zenhei.ttc",
		"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
	},
	"darwin": {
		"/System/Library/Fonts/PingFang.ttc",
		"/Library/Fonts/Arial Unicode.ttf",
	},
	"windows": {
		`C:\Windows\Fonts\msyh.ttc`,
		`C:\Windows\Fonts\simsun.ttc`,
	},
}

func firstExistingCJKFont() string {
	for _, path := range cjkFontCandidates[runtime.GOOS] {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// BuildPreamble returns a language-appropriate snippet that configures
// locale and CJK font paths and exposes convID as __sandbox_conv_id,
// to be injected after any leading import statements. This is the "silent
// fix" the spec calls for: a class of environment problems (missing-glyph
// rendering, wrong locale) the model cannot be expected to anticipate or
// diagnose from a traceback.
func BuildPreamble(language, convID string) string {
	font := firstExistingCJKFont()
	switch strings.ToLower(language) {
	case "python", "python3":
		var b strings.Builder
		b.WriteString("import os as __sandbox_os\n")
		b.WriteString("__sandbox_os.environ.setdefault('LANG', 'en_US.UTF-8')\n")
		b.WriteString(fmt.Sprintf("__sandbox_conv_id = %q\n", convID))
		if font != "" {
			b.WriteString("try:\n")
			b.WriteString("    import matplotlib\n")
			b.WriteString(fmt.Sprintf("    matplotlib.font_manager.fontManager.addfont(%q)\n", font))
			b.WriteString(fmt.Sprintf("    matplotlib.rcParams['font.family'] = matplotlib.font_manager.FontProperties(fname=%q).get_name()\n", font))
			b.WriteString("except Exception:\n    pass\n")
		}
		return b.String()
	default:
		return ""
	}
}

// InsertAfterImports splices preamble into source after the last contiguous
// leading import/from statement so injection does not change the semantic
// evaluation order of the user's own imports.
func InsertAfterImports(source, preamble string) string {
	if preamble == "" {
		return source
	}
	lines := strings.Split(source, "\n")
	insertAt := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") ||
			strings.HasPrefix(trimmed, "import ") || strings.HasPrefix(trimmed, "from ") {
			insertAt = i + 1
			continue
		}
		break
	}
	head := strings.Join(lines[:insertAt], "\n")
	tail := strings.Join(lines[insertAt:], "\n")
	if head != "" {
		return head + "\n" + preamble + tail
	}
	return preamble + tail
}

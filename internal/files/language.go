package files

import (
	"path"
	"strings"
)

var extensionLanguages = map[string]string{
	"html": "html",
	"htm":  "html",
	"css":  "css",
	"js":   "javascript",
	"mjs":  "javascript",
	"jsx":  "javascript",
	"ts":   "typescript",
	"tsx":  "typescript",
	"vue":  "vue",
	"json": "json",
	"md":   "markdown",
	"py":   "python",
	"java": "java",
	"go":   "go",
	"svg":  "xml",
	"xml":  "xml",
	"yml":  "yaml",
	"yaml": "yaml",
	"sh":   "shell",
	"txt":  "plaintext",
}

var languageExtensions = map[string]string{
	"javascript": "js",
	"js":         "js",
	"typescript": "ts",
	"ts":         "ts",
	"python":     "py",
	"py":         "py",
	"markdown":   "md",
	"md":         "md",
	"shell":      "sh",
	"bash":       "sh",
	"sh":         "sh",
	"plaintext":  "txt",
	"text":       "txt",
	"yaml":       "yml",
}

// LanguageFromFilename infers an editor language tag from the file extension.
func LanguageFromFilename(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if lang, ok := extensionLanguages[ext]; ok {
		return lang
	}
	return "plaintext"
}

// ExtensionForLanguage maps a fence language tag to a file extension. Untagged blocks become txt;
// unknown tags are used verbatim.
func ExtensionForLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return "txt"
	}
	if ext, ok := languageExtensions[lang]; ok {
		return ext
	}
	return lang
}

package sandbox

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/harun/capsule/pkg/manifest"
)

const shellTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
</head>
<body>
<script type="%s" data-entry="%s">
%s
</script>
</body>
</html>
`

// BuildDocument resolves m's entry point inside dir and produces the document
// to load. Script entries are embedded in a minimal HTML shell so every
// plugin presents the same loadable surface.
func BuildDocument(dir string, m *manifest.Manifest) (Document, error) {
	entry, err := manifest.ResolveEntry(dir, m.Main)
	if err != nil {
		return Document{}, err
	}

	data, err := os.ReadFile(entry)
	if err != nil {
		return Document{}, fmt.Errorf("failed to read entry point: %w", err)
	}

	mtype := mimetype.Detect(data)
	if !isText(mtype) {
		return Document{}, fmt.Errorf("%w: %s is %s", ErrBinaryEntry, m.Main, mtype.String())
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return Document{}, fmt.Errorf("failed to resolve package directory: %w", err)
	}

	doc := Document{
		PluginID:  m.ID(),
		BaseDir:   absDir,
		EntryPath: entry,
		MimeType:  mtype.String(),
	}

	if !manifest.IsScriptEntry(m.Main) {
		doc.HTML = string(data)
		return doc, nil
	}

	scriptType := "text/javascript"
	if strings.EqualFold(filepath.Ext(m.Main), ".mjs") {
		scriptType = "module"
	}
	doc.HTML = fmt.Sprintf(shellTemplate,
		html.EscapeString(m.Name),
		scriptType,
		html.EscapeString(filepath.ToSlash(m.Main)),
		escapeScript(string(data)),
	)
	doc.Wrapped = true
	return doc, nil
}

// scriptClose matches the start of a closing script tag in any letter case
var scriptClose = regexp.MustCompile(`(?i)</(script)`)

// escapeScript keeps embedded source from terminating its script element
func escapeScript(src string) string {
	return scriptClose.ReplaceAllString(src, `<\/$1`)
}

func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

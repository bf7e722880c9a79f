package manifest

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Load reads a batch manifest spreadsheet and returns the recording
// references, auto-detecting the link/path column by header heuristics. Rows
// whose reference is neither a URL nor a plausible audio path are skipped
// quietly, matching how operators hand-edit these sheets.
func Load(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("no data rows")
	}

	header := rows[0]
	refIdx := -1
	for i, h := range header {
		l := strings.ToLower(strings.TrimSpace(h))
		if strings.Contains(l, "audio") || strings.Contains(l, "record") ||
			strings.Contains(l, "file") || strings.Contains(l, "link") ||
			strings.Contains(l, "url") || strings.Contains(l, "path") {
			refIdx = i
			break
		}
	}
	if refIdx == -1 {
		refIdx = 0
	}

	var refs []string
	for i, r := range rows {
		if i == 0 || refIdx >= len(r) {
			continue
		}
		ref := strings.TrimSpace(r[refIdx])
		if !plausibleRef(ref) {
			continue
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("no recording references in manifest")
	}
	return refs, nil
}

func plausibleRef(ref string) bool {
	if ref == "" {
		return false
	}
	l := strings.ToLower(ref)
	if strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://") {
		return true
	}
	for _, ext := range []string{".wav", ".mp3", ".m4a", ".mp4"} {
		if strings.HasSuffix(l, ext) {
			return true
		}
	}
	return false
}
